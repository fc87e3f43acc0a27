package scan

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// ErrInterrupted is recorded on scans a previous process left unfinished.
var ErrInterrupted = errors.New("interrupted by restart")

// Recovered counts what Recover did.
type Recovered struct {
	Requeued int
	Failed   int
}

// Recover settles scans left open by a previous process. It must run before
// any worker starts. Queued scans go back on the queue; running scans, and
// queued scans the queue cannot take, are marked failed.
func (s *Service) Recover(ctx context.Context) (Recovered, error) {
	var rec Recovered
	open, err := s.d.Scans.ListScansByStatus(ctx, followlytics.ScanQueued, followlytics.ScanRunning)
	if err != nil {
		return rec, fmt.Errorf("list open scans: %w", err)
	}
	for _, sc := range open {
		if sc.Status == followlytics.ScanQueued {
			item := followlytics.QueueItem{Kind: followlytics.KindScan, ID: sc.ID, UID: sc.UID, Submitted: sc.Submitted.Unix()}
			err := s.enqueue(ctx, item)
			if err == nil {
				rec.Requeued++
				continue
			}
			s.logger.Warn("failed to requeue scan", zap.String("scan_id", sc.ID), zap.Error(err))
		}
		update := followlytics.ScanUpdate{
			Status:    followlytics.ScanFailed,
			ErrorText: ErrInterrupted.Error(),
			Counters:  sc.Counters,
		}
		err := s.d.Scans.UpdateScan(ctx, sc.ID, update)
		switch {
		case errors.Is(err, followlytics.ErrAlreadyFinished):
			continue
		case err != nil:
			return rec, fmt.Errorf("fail interrupted scan %s: %w", sc.ID, err)
		}
		rec.Failed++
	}
	if len(open) > 0 {
		s.logger.Info("recovered open scans", zap.Int("requeued", rec.Requeued), zap.Int("failed", rec.Failed))
	}
	return rec, nil
}
