package audit

import (
	"testing"
	"time"
)

func TestNewEntry_AssignsSequenceAndHash(t *testing.T) {
	e := NewEntry(1, "", EntryPull, PullData{ID: "01J", Image: "busybox"})

	if e.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", e.Sequence)
	}
	if e.Type != EntryPull {
		t.Errorf("Type = %s, want %s", e.Type, EntryPull)
	}
	if e.Hash == "" {
		t.Error("Hash should not be empty")
	}
	if e.PrevHash != "" {
		t.Error("PrevHash should be empty for first entry")
	}
}

func TestNewEntry_IncludesPrevHash(t *testing.T) {
	e1 := NewEntry(1, "", EntryPull, PullData{Image: "a"})
	e2 := NewEntry(2, e1.Hash, EntryPull, PullData{Image: "b"})

	if e2.PrevHash != e1.Hash {
		t.Errorf("PrevHash = %s, want %s", e2.PrevHash, e1.Hash)
	}
}

func TestEntry_HashIsConsistent(t *testing.T) {
	ts := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	data := PullData{Image: "busybox", Backend: "pause"}

	e1 := newEntryWithTimestamp(1, "", EntryPull, data, ts)
	e2 := newEntryWithTimestamp(1, "", EntryPull, data, ts)

	if e1.Hash != e2.Hash {
		t.Errorf("Hashes should be identical for same inputs")
	}
}

func TestEntry_HashChangesWithInputs(t *testing.T) {
	ts := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	base := newEntryWithTimestamp(1, "", EntryPull, PullData{Image: "busybox"}, ts)

	variants := map[string]*Entry{
		"sequence": newEntryWithTimestamp(2, "", EntryPull, PullData{Image: "busybox"}, ts),
		"prev":     newEntryWithTimestamp(1, "abc", EntryPull, PullData{Image: "busybox"}, ts),
		"type":     newEntryWithTimestamp(1, "", EntrySideService, PullData{Image: "busybox"}, ts),
		"data":     newEntryWithTimestamp(1, "", EntryPull, PullData{Image: "alpine"}, ts),
		"time":     newEntryWithTimestamp(1, "", EntryPull, PullData{Image: "busybox"}, ts.Add(time.Nanosecond)),
	}
	for name, e := range variants {
		if e.Hash == base.Hash {
			t.Errorf("changing %s did not change the hash", name)
		}
	}
}

func TestEntry_VerifyDetectsTamper(t *testing.T) {
	e := NewEntry(1, "", EntryPull, PullData{Image: "busybox"})
	if !e.Verify() {
		t.Fatal("fresh entry should verify")
	}
	e.PrevHash = "forged"
	if e.Verify() {
		t.Error("tampered entry should not verify")
	}
}
