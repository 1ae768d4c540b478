// Package attestation manages the attestation agent, the side-service that
// unwraps image decryption keys for the pull backends.
//
// The agent is started lazily by the first pull that needs decryption and
// then lives for the rest of the guest's lifetime. Concurrent pulls race on
// an atomic compare-and-set so exactly one of them performs startup.
package attestation

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"

	"github.com/majorcontext/guestpull/internal/log"
)

// State is the lifecycle of the side-service.
type State int32

const (
	NotStarted State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Manager.
type Options struct {
	// Binary is the attestation agent executable.
	Binary string

	KeyProviderAddr string
	GetResourceAddr string

	// KeyProviderConfig is where the ocicrypt key provider file is written.
	KeyProviderConfig string

	// LogFile receives the agent's stdout and stderr.
	LogFile string

	// ReadyTimeout, when positive, makes startup wait until KeyProviderAddr
	// accepts TCP connections.
	ReadyTimeout time.Duration

	// Spawner launches the agent. Defaults to ProcessSpawner.
	Spawner Spawner

	// OnStartup, if set, is called by the request that performed startup
	// with the startup result.
	OnStartup func(ctx context.Context, err error)
}

// Manager starts the attestation agent at most once.
type Manager struct {
	opts  Options
	state atomic.Int32
}

// NewManager creates a Manager in the NotStarted state.
func NewManager(opts Options) *Manager {
	if opts.Spawner == nil {
		opts.Spawner = ProcessSpawner{}
	}
	return &Manager{opts: opts}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// EnsureStarted starts the attestation agent if kbcParams is non-empty and
// no other request has started it yet. Callers that lose the race return nil
// immediately without waiting for the winner. If startup fails the state
// returns to NotStarted so a later request can try again.
func (m *Manager) EnsureStarted(ctx context.Context, kbcParams string) error {
	if kbcParams == "" {
		return nil
	}

	if !m.state.CompareAndSwap(int32(NotStarted), int32(Starting)) {
		log.Debug("attestation agent already running", "state", m.State().String())
		return nil
	}

	err := m.start(ctx)
	if err != nil {
		m.state.Store(int32(NotStarted))
		err = fmt.Errorf("%w: starting attestation agent: %w", errdefs.ErrUnavailable, err)
		log.Error("attestation agent startup failed", "error", err)
	} else {
		m.state.Store(int32(Running))
		log.Info("attestation agent started",
			"keyprovider", m.opts.KeyProviderAddr,
			"getresource", m.opts.GetResourceAddr)
	}

	if m.opts.OnStartup != nil {
		m.opts.OnStartup(ctx, err)
	}
	return err
}

func (m *Manager) start(ctx context.Context) error {
	if err := WriteKeyProviderConfig(m.opts.KeyProviderConfig, m.opts.KeyProviderAddr); err != nil {
		return err
	}

	args := []string{
		"--keyprovider_sock", m.opts.KeyProviderAddr,
		"--getresource_sock", m.opts.GetResourceAddr,
	}
	pid, err := m.opts.Spawner.Spawn(m.opts.Binary, args, m.opts.LogFile)
	if err != nil {
		return err
	}
	log.Debug("spawned attestation agent", "pid", pid, "binary", m.opts.Binary)

	if m.opts.ReadyTimeout > 0 {
		return waitReady(ctx, m.opts.KeyProviderAddr, m.opts.ReadyTimeout)
	}
	return nil
}

// waitReady polls addr until it accepts a TCP connection or timeout expires.
func waitReady(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("key provider %s not ready within %s: %w", addr, timeout, err)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
