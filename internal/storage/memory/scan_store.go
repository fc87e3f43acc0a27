// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// ScanStore keeps scan records in a map.
type ScanStore struct {
	mu    sync.RWMutex
	scans map[string]followlytics.Scan
}

// NewScanStore constructs a ScanStore.
func NewScanStore() *ScanStore {
	return &ScanStore{scans: make(map[string]followlytics.Scan)}
}

// CreateScan stores a new scan.
func (s *ScanStore) CreateScan(_ context.Context, scan followlytics.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scans[scan.ID]; exists {
		return fmt.Errorf("scan %s: %w", scan.ID, followlytics.ErrAlreadyExists)
	}
	s.scans[scan.ID] = scan
	return nil
}

// GetScan fetches a scan by ID.
func (s *ScanStore) GetScan(_ context.Context, scanID string) (followlytics.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return followlytics.Scan{}, fmt.Errorf("scan %s: %w", scanID, followlytics.ErrNotFound)
	}
	return scan, nil
}

// ListScans returns the newest scans of uid first.
func (s *ScanStore) ListScans(_ context.Context, uid string, limit int) ([]followlytics.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]followlytics.Scan, 0)
	for _, scan := range s.scans {
		if scan.UID == uid {
			out = append(out, scan)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID > out[j].ID
		}
		return out[i].Submitted.After(out[j].Submitted)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListScansByStatus returns the scans in one of statuses, oldest first.
func (s *ScanStore) ListScansByStatus(_ context.Context, statuses ...followlytics.ScanStatus) ([]followlytics.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]followlytics.Scan, 0)
	for _, scan := range s.scans {
		if slices.Contains(statuses, scan.Status) {
			out = append(out, scan)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID < out[j].ID
		}
		return out[i].Submitted.Before(out[j].Submitted)
	})
	return out, nil
}

// UpdateScan applies a status transition.
func (s *ScanStore) UpdateScan(_ context.Context, scanID string, update followlytics.ScanUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return fmt.Errorf("scan %s: %w", scanID, followlytics.ErrNotFound)
	}
	if scan.Status.Terminal() {
		return fmt.Errorf("scan %s is %s: %w", scanID, scan.Status, followlytics.ErrAlreadyFinished)
	}
	s.scans[scanID] = scan.Apply(update, time.Now().UTC())
	return nil
}

// UpdateProgress records the running follower count of an active scan.
func (s *ScanStore) UpdateProgress(_ context.Context, scanID string, followers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return fmt.Errorf("scan %s: %w", scanID, followlytics.ErrNotFound)
	}
	if scan.Status.Terminal() || followers < scan.Progress {
		return nil
	}
	scan.Progress = followers
	s.scans[scanID] = scan
	return nil
}
