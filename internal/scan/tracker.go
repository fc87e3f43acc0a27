package scan

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceledByUser is the cancellation cause recorded when a user cancels a running scan.
var ErrCanceledByUser = errors.New("scan canceled by user")

// Tracker holds the cancel functions of scans that are currently running.
type Tracker struct {
	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{running: make(map[string]context.CancelCauseFunc)}
}

// Track derives a cancelable context for scanID. The returned release func
// must be called when the scan ends.
func (t *Tracker) Track(ctx context.Context, scanID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	t.mu.Lock()
	t.running[scanID] = cancel
	t.mu.Unlock()
	return ctx, func() {
		t.mu.Lock()
		delete(t.running, scanID)
		t.mu.Unlock()
		cancel(nil)
	}
}

// Cancel aborts a running scan. It reports whether the scan was running here.
func (t *Tracker) Cancel(scanID string) bool {
	t.mu.Lock()
	cancel, ok := t.running[scanID]
	t.mu.Unlock()
	if ok {
		cancel(ErrCanceledByUser)
	}
	return ok
}

// Running returns the number of tracked scans.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}
