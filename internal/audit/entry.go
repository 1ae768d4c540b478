// Package audit keeps a tamper-evident record of image pulls. Each entry
// carries the hash of its predecessor so any edit or deletion breaks the
// chain.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/majorcontext/guestpull/internal/log"
)

// EntryType identifies the kind of log entry.
type EntryType string

const (
	EntryPull        EntryType = "pull"
	EntrySideService EntryType = "side-service"
)

// FirstSequence is the sequence number of the first entry in a log.
// Sequences are 1-indexed to distinguish "no previous entry" (seq=0) from the first entry.
const FirstSequence uint64 = 1

// PullData records the outcome of one pull request.
type PullData struct {
	ID          string `json:"id"` // ULID, also used in log lines
	Image       string `json:"image"`
	ContainerID string `json:"container_id,omitempty"`
	Backend     string `json:"backend"` // "pause", "external-tool", "embedded-client"
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
	// Note: source credentials are never logged
}

// SideServiceData records a startup attempt of the attestation agent.
type SideServiceData struct {
	Action string `json:"action"` // "started", "failed"
	Error  string `json:"error,omitempty"`
}

// Entry represents a single hash-chained log entry.
type Entry struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Type      EntryType `json:"type"`
	PrevHash  string    `json:"prev"`
	Data      any       `json:"data"`
	Hash      string    `json:"hash"`
	// dataJSON is the exact JSON that was hashed. Entries read back from the
	// database keep the stored text so verification does not depend on how
	// Data re-marshals.
	dataJSON []byte
}

// NewEntry creates a new entry with computed hash.
func NewEntry(seq uint64, prevHash string, entryType EntryType, data any) *Entry {
	return newEntryWithTimestamp(seq, prevHash, entryType, data, time.Now().UTC())
}

func newEntryWithTimestamp(seq uint64, prevHash string, entryType EntryType, data any, ts time.Time) *Entry {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		log.Warn("failed to marshal entry data", "type", entryType, "error", err)
		dataJSON = []byte("null")
	}
	e := &Entry{
		Sequence:  seq,
		Timestamp: ts,
		Type:      entryType,
		PrevHash:  prevHash,
		Data:      data,
		dataJSON:  dataJSON,
	}
	e.Hash = e.computeHash()
	return e
}

// computeHash calculates SHA-256(seq || ts || type || prev || data).
func (e *Entry) computeHash() string {
	h := sha256.New()

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, e.Sequence)
	h.Write(seqBytes)

	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.Type))
	h.Write([]byte(e.PrevHash))

	dataBytes := e.dataJSON
	if dataBytes == nil {
		var err error
		dataBytes, err = json.Marshal(e.Data)
		if err != nil {
			log.Warn("failed to marshal entry data for hash", "seq", e.Sequence, "error", err)
			dataBytes = []byte("null")
		}
	}
	h.Write(dataBytes)

	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks if the entry's hash is valid.
func (e *Entry) Verify() bool {
	return e.Hash == e.computeHash()
}
