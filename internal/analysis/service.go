package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/telemetry"
	"github.com/followlytics/followlytics/internal/tier"
)

// Errors returned by Service.Request.
var (
	ErrProviderUnavailable = errors.New("report provider not configured")
	ErrScanNotReady        = errors.New("scan has not succeeded")
)

// Service creates report requests and runs them from the queue.
type Service struct {
	reports   followlytics.ReportStore
	scans     followlytics.ScanStore
	snapshots followlytics.SnapshotStore
	queue     followlytics.Queue
	gate      *tier.Gate
	analyzers map[followlytics.ReportProvider]Analyzer
	presenter PresentationMaker
	ids       followlytics.IDGenerator
	clock     followlytics.Clock
	logger    *zap.Logger
}

// Deps groups the collaborators of Service.
type Deps struct {
	Reports   followlytics.ReportStore
	Scans     followlytics.ScanStore
	Snapshots followlytics.SnapshotStore
	Queue     followlytics.Queue
	Gate      *tier.Gate
	Analyzers map[followlytics.ReportProvider]Analyzer
	// Presenter may be nil when presentations are not configured.
	Presenter PresentationMaker
	IDs       followlytics.IDGenerator
	Clock     followlytics.Clock
	Logger    *zap.Logger
}

// NewService wires a report Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	analyzers := make(map[followlytics.ReportProvider]Analyzer, len(d.Analyzers))
	for p, a := range d.Analyzers {
		if a != nil {
			analyzers[p] = a
		}
	}
	return &Service{
		reports:   d.Reports,
		scans:     d.Scans,
		snapshots: d.Snapshots,
		queue:     d.Queue,
		gate:      d.Gate,
		analyzers: analyzers,
		presenter: d.Presenter,
		ids:       d.IDs,
		clock:     d.Clock,
		logger:    logger,
	}
}

// Request validates tier and scan state, stores a pending report and queues it.
func (s *Service) Request(
	ctx context.Context,
	user followlytics.User,
	scanID string,
	provider followlytics.ReportProvider,
	presentation bool,
) (followlytics.Report, error) {
	if err := s.gate.Require(user, tier.ReportFeature(provider)); err != nil {
		return followlytics.Report{}, err
	}
	if presentation {
		if err := s.gate.Require(user, tier.FeaturePresentation); err != nil {
			return followlytics.Report{}, err
		}
		if s.presenter == nil {
			return followlytics.Report{}, fmt.Errorf("%w: presentation", ErrProviderUnavailable)
		}
	}
	if _, ok := s.analyzers[provider]; !ok {
		return followlytics.Report{}, fmt.Errorf("%w: %s", ErrProviderUnavailable, provider)
	}

	scan, err := s.scans.GetScan(ctx, scanID)
	if err != nil {
		return followlytics.Report{}, fmt.Errorf("get scan: %w", err)
	}
	if scan.UID != user.UID {
		return followlytics.Report{}, fmt.Errorf("get scan: %w", followlytics.ErrNotFound)
	}
	if scan.Status != followlytics.ScanSucceeded {
		return followlytics.Report{}, fmt.Errorf("%w: status is %s", ErrScanNotReady, scan.Status)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return followlytics.Report{}, fmt.Errorf("generate report id: %w", err)
	}
	report := followlytics.Report{
		ID:           id,
		UID:          user.UID,
		ScanID:       scanID,
		Provider:     provider,
		Presentation: presentation,
		Status:       followlytics.ReportPending,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.reports.CreateReport(ctx, report); err != nil {
		return followlytics.Report{}, fmt.Errorf("create report: %w", err)
	}
	item := followlytics.QueueItem{Kind: followlytics.KindReport, ID: id, UID: user.UID, Submitted: report.CreatedAt.Unix()}
	if err := followlytics.TryEnqueue(ctx, s.queue, item); err != nil {
		s.fail(ctx, report, fmt.Errorf("enqueue: %w", err))
		return followlytics.Report{}, fmt.Errorf("enqueue report: %w", err)
	}
	return report, nil
}

// Recover requeues reports a previous process left pending. Reports the queue
// cannot take are marked failed. It must run before any worker starts.
func (s *Service) Recover(ctx context.Context) (requeued int, err error) {
	pending, err := s.reports.ListReportsByStatus(ctx, followlytics.ReportPending)
	if err != nil {
		return 0, fmt.Errorf("list pending reports: %w", err)
	}
	for _, report := range pending {
		item := followlytics.QueueItem{Kind: followlytics.KindReport, ID: report.ID, UID: report.UID, Submitted: report.CreatedAt.Unix()}
		if err := followlytics.TryEnqueue(ctx, s.queue, item); err != nil {
			s.fail(ctx, report, fmt.Errorf("requeue after restart: %w", err))
			continue
		}
		requeued++
	}
	if len(pending) > 0 {
		s.logger.Info("recovered pending reports", zap.Int("requeued", requeued), zap.Int("failed", len(pending)-requeued))
	}
	return requeued, nil
}

// Get returns a report owned by user.
func (s *Service) Get(ctx context.Context, user followlytics.User, reportID string) (followlytics.Report, error) {
	report, err := s.reports.GetReport(ctx, reportID)
	if err != nil {
		return followlytics.Report{}, fmt.Errorf("get report: %w", err)
	}
	if report.UID != user.UID {
		return followlytics.Report{}, fmt.Errorf("get report: %w", followlytics.ErrNotFound)
	}
	return report, nil
}

// RunReport generates the analysis and optional presentation for a pending report.
func (s *Service) RunReport(ctx context.Context, reportID string) (err error) {
	report, err := s.reports.GetReport(ctx, reportID)
	if err != nil {
		return fmt.Errorf("get report: %w", err)
	}
	if report.Status != followlytics.ReportPending {
		s.logger.Debug("skipping report that is not pending", zap.String("report_id", reportID), zap.String("status", string(report.Status)))
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "analysis.RunReport")
	defer func() { telemetry.EndSpan(span, err) }()

	content, url, err := s.generate(ctx, report)
	if err != nil {
		s.fail(ctx, report, err)
		return err
	}

	now := s.clock.Now()
	report.Status = followlytics.ReportReady
	report.Content = content
	report.PresentationURL = url
	report.CompletedAt = &now
	if err := s.reports.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	telemetry.ObserveReport(string(report.Provider), string(followlytics.ReportReady))
	s.logger.Info("report ready", zap.String("report_id", report.ID), zap.String("scan_id", report.ScanID))
	return nil
}

func (s *Service) generate(ctx context.Context, report followlytics.Report) (string, string, error) {
	analyzer, ok := s.analyzers[report.Provider]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrProviderUnavailable, report.Provider)
	}
	scan, err := s.scans.GetScan(ctx, report.ScanID)
	if err != nil {
		return "", "", fmt.Errorf("get scan: %w", err)
	}
	snap, err := s.snapshots.GetSnapshot(ctx, report.ScanID)
	if err != nil {
		return "", "", fmt.Errorf("get snapshot: %w", err)
	}

	in := Input{Target: snap.Target, Sample: snap.Followers, Stats: ComputeStats(snap.Followers)}
	prev, err := s.snapshots.PreviousSnapshot(ctx, snap.UID, snap.Target, snap.TakenAt)
	switch {
	case err == nil:
		diff := followlytics.DiffFollowers(prev.Followers, snap.Followers)
		in.Diff = &diff
	case errors.Is(err, followlytics.ErrNotFound):
	default:
		return "", "", fmt.Errorf("previous snapshot: %w", err)
	}

	var content, url string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := analyzer.Analyze(gctx, in)
		if err != nil {
			return fmt.Errorf("analyze: %w", err)
		}
		content = out
		return nil
	})
	if report.Presentation && s.presenter != nil {
		g.Go(func() error {
			out, err := s.presenter.Present(gctx, "Audience of @"+scan.Username, statsMarkdown(in))
			if err != nil {
				return fmt.Errorf("presentation: %w", err)
			}
			url = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return content, url, nil
}

func (s *Service) fail(ctx context.Context, report followlytics.Report, cause error) {
	now := s.clock.Now()
	report.Status = followlytics.ReportFailed
	report.ErrorText = cause.Error()
	report.CompletedAt = &now
	if err := s.reports.SaveReport(context.WithoutCancel(ctx), report); err != nil {
		s.logger.Error("failed to mark report failed", zap.String("report_id", report.ID), zap.Error(err))
	}
	telemetry.ObserveReport(string(report.Provider), string(followlytics.ReportFailed))
	s.logger.Warn("report failed", zap.String("report_id", report.ID), zap.Error(cause))
}

// statsMarkdown is the deck outline built from local statistics only, so it
// can be generated alongside the written analysis.
func statsMarkdown(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Overview\n- %d followers analyzed\n- %d verified\n", in.Stats.Total, in.Stats.Verified)
	fmt.Fprintf(&b, "- Median follower count %.0f, mean %.1f\n", in.Stats.MedianFollowers, in.Stats.MeanFollowers)
	if in.Diff != nil {
		fmt.Fprintf(&b, "\n## Changes\n- %d gained\n- %d lost\n", len(in.Diff.Gained), len(in.Diff.Lost))
	}
	if len(in.Stats.Top) > 0 {
		b.WriteString("\n## Largest followers\n")
		for _, f := range in.Stats.Top {
			fmt.Fprintf(&b, "- @%s: %d followers\n", f.Username, f.FollowersCount)
		}
	}
	if len(in.Stats.Keywords) > 0 {
		b.WriteString("\n## Bio themes\n")
		for _, kw := range in.Stats.Keywords[:min(10, len(in.Stats.Keywords))] {
			fmt.Fprintf(&b, "- %s (%d)\n", kw.Word, kw.Count)
		}
	}
	return b.String()
}
