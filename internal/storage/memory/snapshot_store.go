package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// SnapshotStore keeps follower snapshots in a map.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]followlytics.Snapshot
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[string]followlytics.Snapshot)}
}

// SaveSnapshot stores snap, replacing any snapshot of the same scan.
func (s *SnapshotStore) SaveSnapshot(_ context.Context, snap followlytics.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Followers = slices.Clone(snap.Followers)
	s.snaps[snap.ScanID] = snap
	return nil
}

// GetSnapshot fetches the snapshot of scanID.
func (s *SnapshotStore) GetSnapshot(_ context.Context, scanID string) (followlytics.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[scanID]
	if !ok {
		return followlytics.Snapshot{}, fmt.Errorf("snapshot %s: %w", scanID, followlytics.ErrNotFound)
	}
	snap.Followers = slices.Clone(snap.Followers)
	return snap, nil
}

// PreviousSnapshot returns the newest snapshot of target for uid taken before the given time.
func (s *SnapshotStore) PreviousSnapshot(
	_ context.Context,
	uid, target string,
	before time.Time,
) (followlytics.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  followlytics.Snapshot
		found bool
	)
	for _, snap := range s.snaps {
		if snap.UID != uid || snap.Target != target || !snap.TakenAt.Before(before) {
			continue
		}
		if !found || snap.TakenAt.After(best.TakenAt) {
			best = snap
			found = true
		}
	}
	if !found {
		return followlytics.Snapshot{}, fmt.Errorf("previous snapshot of %s: %w", target, followlytics.ErrNotFound)
	}
	best.Followers = slices.Clone(best.Followers)
	return best, nil
}

// Close is a no-op.
func (s *SnapshotStore) Close() {}
