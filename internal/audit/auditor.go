package audit

import (
	"context"

	"github.com/majorcontext/guestpull/internal/log"
)

// Recorder writes pull outcomes to a Store. A nil *Recorder is valid and
// records nothing, so callers need not check whether auditing is enabled.
type Recorder struct {
	store *Store
}

// NewRecorder wraps store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// RecordPull appends a pull entry. Audit failures are logged, never
// returned: a pull must not fail because its audit write did.
func (r *Recorder) RecordPull(_ context.Context, data PullData) {
	if r == nil || r.store == nil {
		return
	}
	if _, err := r.store.Append(EntryPull, data); err != nil {
		log.Warn("recording pull audit entry", "id", data.ID, "error", err)
	}
}

// RecordSideService appends a side-service startup entry.
func (r *Recorder) RecordSideService(_ context.Context, startErr error) {
	if r == nil || r.store == nil {
		return
	}
	data := SideServiceData{Action: "started"}
	if startErr != nil {
		data.Action = "failed"
		data.Error = startErr.Error()
	}
	if _, err := r.store.Append(EntrySideService, data); err != nil {
		log.Warn("recording side-service audit entry", "error", err)
	}
}
