// Package scan accepts follower scan requests, enforces tier limits and
// serves scan status and results to their owners.
package scan

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/tier"
)

// Page size bounds for Result.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
	maxListLimit    = 100
)

// Errors returned by Service.
var (
	ErrInvalidMethod = errors.New("unknown scan method")
	ErrNotReady      = errors.New("scan results are not ready")
)

// Availability reports which extraction methods are configured.
type Availability interface {
	Available(method followlytics.ScanMethod) bool
}

// SubmitRequest is a new scan request.
type SubmitRequest struct {
	Username     string
	Method       followlytics.ScanMethod
	MaxFollowers int
}

// ResultPage is one page of a scan's follower list.
type ResultPage struct {
	ScanID    string                  `json:"scan_id"`
	Page      int                     `json:"page"`
	PageSize  int                     `json:"page_size"`
	Total     int                     `json:"total"`
	Followers []followlytics.Follower `json:"followers"`
}

// Deps groups the collaborators of Service.
type Deps struct {
	Scans         followlytics.ScanStore
	Users         followlytics.UserStore
	Snapshots     followlytics.SnapshotStore
	Queue         followlytics.Queue
	Gate          *tier.Gate
	Methods       Availability
	Tracker       *Tracker
	IDs           followlytics.IDGenerator
	Clock         followlytics.Clock
	DefaultMethod followlytics.ScanMethod
	Logger        *zap.Logger
}

// Service implements scan submission and retrieval.
type Service struct {
	d      Deps
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.DefaultMethod == "" {
		d.DefaultMethod = followlytics.MethodAPI
	}
	if d.Tracker == nil {
		d.Tracker = NewTracker()
	}
	return &Service{d: d, logger: d.Logger}
}

// Submit validates and queues a scan. The scan is marked failed when it cannot be queued.
func (s *Service) Submit(ctx context.Context, user followlytics.User, req SubmitRequest) (followlytics.Scan, error) {
	username, err := followlytics.NormalizeUsername(req.Username)
	if err != nil {
		return followlytics.Scan{}, err
	}
	method := req.Method
	if method == "" {
		method = s.d.DefaultMethod
	}
	if !method.Valid() {
		return followlytics.Scan{}, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	now := s.d.Clock.Now()
	maxFollowers, err := s.d.Gate.CheckScan(user, method, req.MaxFollowers, now)
	if err != nil {
		return followlytics.Scan{}, err
	}
	if s.d.Methods != nil && !s.d.Methods.Available(method) {
		return followlytics.Scan{}, fmt.Errorf("%w: %s", followlytics.ErrMethodUnavailable, method)
	}

	limit := s.d.Gate.Limits(user.Tier).ScansPerMonth
	if err := s.d.Users.ReserveUsage(ctx, user.UID, followlytics.UsageKey(now), limit); err != nil {
		return followlytics.Scan{}, fmt.Errorf("reserve usage: %w", err)
	}

	id, err := s.d.IDs.NewID()
	if err != nil {
		return followlytics.Scan{}, fmt.Errorf("generate scan id: %w", err)
	}
	scan := followlytics.Scan{
		ID:           id,
		UID:          user.UID,
		Username:     username,
		Method:       method,
		MaxFollowers: maxFollowers,
		Status:       followlytics.ScanQueued,
		Submitted:    now,
	}
	if err := s.d.Scans.CreateScan(ctx, scan); err != nil {
		return followlytics.Scan{}, fmt.Errorf("create scan: %w", err)
	}
	item := followlytics.QueueItem{Kind: followlytics.KindScan, ID: id, UID: user.UID, Submitted: now.Unix()}
	if err := s.enqueue(ctx, item); err != nil {
		update := followlytics.ScanUpdate{Status: followlytics.ScanFailed, ErrorText: "enqueue failed: " + err.Error()}
		if uerr := s.d.Scans.UpdateScan(context.WithoutCancel(ctx), id, update); uerr != nil {
			s.logger.Error("failed to mark unqueued scan failed", zap.String("scan_id", id), zap.Error(uerr))
		}
		return followlytics.Scan{}, fmt.Errorf("enqueue scan: %w", err)
	}
	s.logger.Info("scan queued",
		zap.String("scan_id", id),
		zap.String("uid", user.UID),
		zap.String("target", username),
		zap.String("method", string(method)),
		zap.Int("max_followers", maxFollowers),
	)
	return scan, nil
}

func (s *Service) enqueue(ctx context.Context, item followlytics.QueueItem) error {
	return followlytics.TryEnqueue(ctx, s.d.Queue, item)
}

// Get returns a scan owned by user.
func (s *Service) Get(ctx context.Context, user followlytics.User, scanID string) (followlytics.Scan, error) {
	scan, err := s.d.Scans.GetScan(ctx, scanID)
	if err != nil {
		return followlytics.Scan{}, fmt.Errorf("get scan: %w", err)
	}
	if scan.UID != user.UID {
		return followlytics.Scan{}, fmt.Errorf("get scan %s: %w", scanID, followlytics.ErrNotFound)
	}
	return scan, nil
}

// List returns the user's newest scans.
func (s *Service) List(ctx context.Context, user followlytics.User, limit int) ([]followlytics.Scan, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	scans, err := s.d.Scans.ListScans(ctx, user.UID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return scans, nil
}

// Cancel stops a queued or running scan. Terminal scans return ErrAlreadyFinished.
func (s *Service) Cancel(ctx context.Context, user followlytics.User, scanID string) (followlytics.Scan, error) {
	scan, err := s.Get(ctx, user, scanID)
	if err != nil {
		return followlytics.Scan{}, err
	}
	if scan.Status.Terminal() {
		return followlytics.Scan{}, fmt.Errorf("scan %s is %s: %w", scanID, scan.Status, followlytics.ErrAlreadyFinished)
	}
	update := followlytics.ScanUpdate{
		Status:    followlytics.ScanCanceled,
		ErrorText: ErrCanceledByUser.Error(),
		Counters:  scan.Counters,
	}
	if err := s.d.Scans.UpdateScan(ctx, scanID, update); err != nil {
		return followlytics.Scan{}, fmt.Errorf("cancel scan: %w", err)
	}
	running := s.d.Tracker.Cancel(scanID)
	s.logger.Info("scan canceled", zap.String("scan_id", scanID), zap.Bool("was_running", running))
	return s.Get(ctx, user, scanID)
}

// Result returns one page (1-based) of the follower list of a succeeded scan.
func (s *Service) Result(ctx context.Context, user followlytics.User, scanID string, page, pageSize int) (ResultPage, error) {
	snap, err := s.snapshot(ctx, user, scanID)
	if err != nil {
		return ResultPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	total := len(snap.Followers)
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)
	return ResultPage{
		ScanID:    scanID,
		Page:      page,
		PageSize:  pageSize,
		Total:     total,
		Followers: snap.Followers[start:end],
	}, nil
}

// Export writes the full follower list of a succeeded scan as CSV.
func (s *Service) Export(ctx context.Context, user followlytics.User, scanID string, w io.Writer) error {
	if err := s.d.Gate.Require(user, tier.FeatureExport); err != nil {
		return err
	}
	snap, err := s.snapshot(ctx, user, scanID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "username", "display_name", "description", "followers", "following", "verified"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, f := range snap.Followers {
		row := []string{
			f.ID,
			f.Username,
			f.DisplayName,
			f.Description,
			strconv.Itoa(f.FollowersCount),
			strconv.Itoa(f.FollowingCount),
			strconv.FormatBool(f.Verified),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func (s *Service) snapshot(ctx context.Context, user followlytics.User, scanID string) (followlytics.Snapshot, error) {
	scan, err := s.Get(ctx, user, scanID)
	if err != nil {
		return followlytics.Snapshot{}, err
	}
	if scan.Status != followlytics.ScanSucceeded {
		return followlytics.Snapshot{}, fmt.Errorf("%w: status is %s", ErrNotReady, scan.Status)
	}
	snap, err := s.d.Snapshots.GetSnapshot(ctx, scanID)
	if err != nil {
		return followlytics.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}
