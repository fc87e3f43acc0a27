package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/queue/memory"
	memstore "github.com/followlytics/followlytics/internal/storage/memory"
	"github.com/followlytics/followlytics/internal/tier"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "r" + string(rune('0'+s.n)), nil
}

type fakeAnalyzer struct {
	got Input
	out string
	err error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, in Input) (string, error) {
	f.got = in
	return f.out, f.err
}

type fakePresenter struct {
	url string
	err error
}

func (f fakePresenter) Present(context.Context, string, string) (string, error) {
	return f.url, f.err
}

type fixture struct {
	svc       *Service
	reports   *memstore.ReportStore
	scans     *memstore.ScanStore
	snapshots *memstore.SnapshotStore
	queue     *memory.Queue
	analyzer  *fakeAnalyzer
}

func newFixture(t *testing.T, presenter PresentationMaker) fixture {
	t.Helper()
	f := fixture{
		reports:   memstore.NewReportStore(),
		scans:     memstore.NewScanStore(),
		snapshots: memstore.NewSnapshotStore(),
		queue:     memory.NewQueue(4),
		analyzer:  &fakeAnalyzer{out: "# Report"},
	}
	f.svc = NewService(Deps{
		Reports:   f.reports,
		Scans:     f.scans,
		Snapshots: f.snapshots,
		Queue:     f.queue,
		Gate:      tier.NewGate(nil),
		Analyzers: map[followlytics.ReportProvider]Analyzer{followlytics.ProviderOpenAI: f.analyzer},
		Presenter: presenter,
		IDs:       &seqIDs{},
		Clock:     fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	})
	ctx := context.Background()
	require.NoError(t, f.scans.CreateScan(ctx, followlytics.Scan{ID: "s1", UID: "u1", Username: "jack", Status: followlytics.ScanSucceeded}))
	require.NoError(t, f.scans.CreateScan(ctx, followlytics.Scan{ID: "s2", UID: "u1", Username: "jack", Status: followlytics.ScanRunning}))
	require.NoError(t, f.snapshots.SaveSnapshot(ctx, followlytics.Snapshot{
		ScanID: "s0", UID: "u1", Target: "jack", TakenAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Followers: []followlytics.Follower{{Username: "old"}, {Username: "kept"}},
	}))
	require.NoError(t, f.snapshots.SaveSnapshot(ctx, followlytics.Snapshot{
		ScanID: "s1", UID: "u1", Target: "jack", TakenAt: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
		Followers: []followlytics.Follower{{Username: "kept"}, {Username: "new", FollowersCount: 5}},
	}))
	return f
}

var (
	starter = followlytics.User{UID: "u1", Tier: followlytics.TierStarter}
	pro     = followlytics.User{UID: "u1", Tier: followlytics.TierPro}
)

func TestRequestAndRunReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	report, err := f.svc.Request(ctx, starter, "s1", followlytics.ProviderOpenAI, false)
	require.NoError(t, err)
	require.Equal(t, followlytics.ReportPending, report.Status)

	item, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, followlytics.KindReport, item.Kind)
	require.Equal(t, report.ID, item.ID)

	require.NoError(t, f.svc.RunReport(ctx, report.ID))
	got, err := f.svc.Get(ctx, starter, report.ID)
	require.NoError(t, err)
	require.Equal(t, followlytics.ReportReady, got.Status)
	require.Equal(t, "# Report", got.Content)
	require.NotNil(t, got.CompletedAt)

	require.Equal(t, 2, f.analyzer.got.Stats.Total)
	require.Equal(t, &followlytics.Diff{Gained: []string{"new"}, Lost: []string{"old"}}, f.analyzer.got.Diff)

	// A second run is a no-op once the report left pending.
	require.NoError(t, f.svc.RunReport(ctx, report.ID))
}

func TestRequestGating(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	free := followlytics.User{UID: "u1", Tier: followlytics.TierFree}

	_, err := f.svc.Request(ctx, free, "s1", followlytics.ProviderOpenAI, false)
	require.ErrorIs(t, err, tier.ErrFeatureLocked)

	_, err = f.svc.Request(ctx, starter, "s1", followlytics.ProviderOpenAI, true)
	require.ErrorIs(t, err, tier.ErrFeatureLocked)

	_, err = f.svc.Request(ctx, pro, "s1", followlytics.ProviderOpenAI, true)
	require.ErrorIs(t, err, ErrProviderUnavailable)

	_, err = f.svc.Request(ctx, pro, "s1", followlytics.ProviderGrok, false)
	require.ErrorIs(t, err, ErrProviderUnavailable)

	_, err = f.svc.Request(ctx, starter, "s2", followlytics.ProviderOpenAI, false)
	require.ErrorIs(t, err, ErrScanNotReady)

	other := followlytics.User{UID: "u2", Tier: followlytics.TierPro}
	_, err = f.svc.Request(ctx, other, "s1", followlytics.ProviderOpenAI, false)
	require.ErrorIs(t, err, followlytics.ErrNotFound)
}

func TestRunReportWithPresentation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakePresenter{url: "https://gamma.app/docs/x"})
	ctx := context.Background()

	report, err := f.svc.Request(ctx, pro, "s1", followlytics.ProviderOpenAI, true)
	require.NoError(t, err)
	require.NoError(t, f.svc.RunReport(ctx, report.ID))

	got, err := f.reports.GetReport(ctx, report.ID)
	require.NoError(t, err)
	require.Equal(t, "https://gamma.app/docs/x", got.PresentationURL)
}

func TestRunReportFailureMarksFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakePresenter{err: errors.New("gamma down")})
	ctx := context.Background()

	report, err := f.svc.Request(ctx, pro, "s1", followlytics.ProviderOpenAI, true)
	require.NoError(t, err)
	require.ErrorContains(t, f.svc.RunReport(ctx, report.ID), "gamma down")

	got, err := f.reports.GetReport(ctx, report.ID)
	require.NoError(t, err)
	require.Equal(t, followlytics.ReportFailed, got.Status)
	require.Contains(t, got.ErrorText, "gamma down")
}

func TestRequestEnqueueFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.queue.Close()

	_, err := f.svc.Request(context.Background(), starter, "s1", followlytics.ProviderOpenAI, false)
	require.ErrorIs(t, err, memory.ErrQueueClosed)

	got, err := f.reports.GetReport(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, followlytics.ReportFailed, got.Status)
}

func TestRequestFailsFastWhenQueueFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for i := range 4 {
		require.NoError(t, f.queue.TryEnqueue(followlytics.QueueItem{Kind: followlytics.KindScan, ID: string(rune('a' + i))}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.svc.Request(ctx, starter, "s1", followlytics.ProviderOpenAI, false)
	require.ErrorIs(t, err, followlytics.ErrQueueFull)
	require.NoError(t, ctx.Err())

	got, err := f.reports.GetReport(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, followlytics.ReportFailed, got.Status)
}

func TestRecoverRequeuesPendingReports(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		require.NoError(t, f.reports.CreateReport(ctx, followlytics.Report{
			ID: id, UID: "u1", ScanID: "s1", Provider: followlytics.ProviderOpenAI,
			Status: followlytics.ReportPending, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, f.reports.CreateReport(ctx, followlytics.Report{ID: "done", UID: "u1", Status: followlytics.ReportReady}))

	requeued, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, requeued)
	require.Equal(t, 4, f.queue.Len())

	item, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, followlytics.KindReport, item.Kind)
	require.Equal(t, "p1", item.ID)

	overflow, err := f.reports.GetReport(ctx, "p5")
	require.NoError(t, err)
	require.Equal(t, followlytics.ReportFailed, overflow.Status)
	require.Contains(t, overflow.ErrorText, "requeue after restart")
}

func TestStatsMarkdown(t *testing.T) {
	t.Parallel()

	in := Input{Stats: ComputeStats([]followlytics.Follower{{Username: "a", FollowersCount: 3, Description: "golang builder"}})}
	md := statsMarkdown(in)
	require.Contains(t, md, "- 1 followers analyzed")
	require.Contains(t, md, "- @a: 3 followers")
	require.Contains(t, md, "- golang (1)")
	require.NotContains(t, md, "## Changes")
}
