package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/progress"
)

// ProgressWriter is the slice of followlytics.ScanStore the sink needs.
type ProgressWriter interface {
	UpdateProgress(ctx context.Context, scanID string, followers int) error
}

// StoreSink writes the latest follower count of each scan into the scan
// record. A batch collapses to one write per scan.
type StoreSink struct {
	store  ProgressWriter
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink.
func NewStoreSink(store ProgressWriter, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume forwards the highest follower count seen per scan.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	latest := make(map[string]int)
	order := make([]string, 0)
	for _, evt := range batch {
		if evt.Stage != progress.StageScanProgress {
			continue
		}
		prev, seen := latest[evt.ScanID]
		if !seen {
			order = append(order, evt.ScanID)
		}
		if !seen || evt.Followers > prev {
			latest[evt.ScanID] = evt.Followers
		}
	}

	var errs []error
	for _, scanID := range order {
		err := s.store.UpdateProgress(ctx, scanID, latest[scanID])
		switch {
		case err == nil:
		case errors.Is(err, followlytics.ErrNotFound):
			s.logger.Debug("progress for unknown scan", zap.String("scan_id", scanID))
		default:
			errs = append(errs, fmt.Errorf("update progress %s: %w", scanID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
