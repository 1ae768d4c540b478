package config

import "sync"

// Store holds the live agent settings. Requests read an immutable copy via
// Snapshot; Update swaps the whole value so readers never see a partial write.
type Store struct {
	mu  sync.RWMutex
	cur AgentConfig
}

// NewStore creates a Store seeded with cfg.
func NewStore(cfg AgentConfig) *Store {
	return &Store{cur: cfg}
}

// Snapshot returns a copy of the current agent settings.
func (s *Store) Snapshot() AgentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update replaces the agent settings.
func (s *Store) Update(cfg AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = cfg
}
