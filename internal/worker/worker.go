// Package worker implements the scan pipeline execution loop.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/progress"
	"github.com/followlytics/followlytics/internal/scan"
	"github.com/followlytics/followlytics/internal/telemetry"
)

// ErrScanTimeout marks a scan that ran past its job budget.
var ErrScanTimeout = errors.New("scan exceeded its time budget")

// Extractors runs the extractor registered for a method.
type Extractors interface {
	Extract(ctx context.Context, method followlytics.ScanMethod, req followlytics.ExtractRequest) (followlytics.ExtractResult, error)
}

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
	// JobTimeout bounds one scan; zero means no limit.
	JobTimeout time.Duration
	// MaxAttempts is how many times extraction is tried (default 1).
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Deps groups the collaborators of a Worker. Prober, Mailer, Reports,
// Publisher and Progress are optional.
type Deps struct {
	Queue      followlytics.Queue
	Scans      followlytics.ScanStore
	Users      followlytics.UserStore
	Snapshots  followlytics.SnapshotStore
	Blobs      followlytics.BlobStore
	Publisher  followlytics.Publisher
	Hasher     followlytics.Hasher
	Clock      followlytics.Clock
	Extractors Extractors
	Prober     followlytics.ProfileProber
	Mailer     followlytics.Mailer
	Reports    followlytics.ReportRunner
	Progress   progress.Emitter
	Tracker    *scan.Tracker
}

// Worker consumes queue items and executes scans and reports.
type Worker struct {
	d      Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(d Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if d.Progress == nil {
		d.Progress = progress.NopEmitter{}
	}
	if d.Tracker == nil {
		d.Tracker = scan.NewTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{d: d, cfg: cfg, logger: logger}
}

// Run processes queue items until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.d.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, followlytics.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		switch item.Kind {
		case followlytics.KindReport:
			w.processReport(ctx, item)
		default:
			w.processScan(ctx, item)
		}
	}
}

func (w *Worker) processReport(ctx context.Context, item followlytics.QueueItem) {
	if w.d.Reports == nil {
		w.logger.Error("report queued but no report runner configured", zap.String("report_id", item.ID))
		return
	}
	if err := w.d.Reports.RunReport(ctx, item.ID); err != nil {
		w.logger.Error("report failed", zap.String("report_id", item.ID), zap.Error(err))
	}
}

// outcome is what a successful extraction produced.
type outcome struct {
	profile  *followlytics.Profile
	result   followlytics.ExtractResult
	attempts int
	diff     followlytics.Diff
	uri      string
	hash     string
}

func (w *Worker) processScan(ctx context.Context, item followlytics.QueueItem) {
	logger := w.logger.With(zap.String("scan_id", item.ID))
	sc, err := w.d.Scans.GetScan(ctx, item.ID)
	if err != nil {
		logger.Error("failed to load scan", zap.Error(err))
		return
	}
	if sc.Status.Terminal() {
		logger.Info("skipping finished scan", zap.String("status", string(sc.Status)))
		return
	}

	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	scanCtx, release := w.d.Tracker.Track(ctx, sc.ID)
	defer release()
	jobCtx := scanCtx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeoutCause(scanCtx, w.cfg.JobTimeout, ErrScanTimeout)
		defer cancel()
	}
	jobCtx, span := telemetry.StartSpan(jobCtx, "scan.run",
		attribute.String("scan.id", sc.ID),
		attribute.String("scan.method", string(sc.Method)),
	)

	start := w.d.Clock.Now()
	if err := w.d.Scans.UpdateScan(jobCtx, sc.ID, followlytics.ScanUpdate{Status: followlytics.ScanRunning}); err != nil {
		telemetry.EndSpan(span, err)
		if errors.Is(err, followlytics.ErrAlreadyFinished) {
			logger.Info("scan finished before start")
			return
		}
		logger.Error("failed to mark scan running", zap.Error(err))
		return
	}
	w.emit(sc, progress.Event{Stage: progress.StageScanStart})
	logger.Info("scan started",
		zap.String("target", sc.Username),
		zap.String("method", string(sc.Method)),
		zap.Int("max_followers", sc.MaxFollowers),
	)

	out, err := w.execute(jobCtx, sc)
	telemetry.EndSpan(span, err)
	dur := w.d.Clock.Now().Sub(start)
	if err != nil {
		w.finishFailed(ctx, jobCtx, sc, out, err, dur)
		return
	}
	w.finishSucceeded(ctx, sc, out, dur)
}

func (w *Worker) execute(ctx context.Context, sc followlytics.Scan) (outcome, error) {
	var out outcome
	if w.d.Prober != nil {
		profile, err := w.d.Prober.Probe(ctx, sc.Username)
		if err != nil {
			w.logger.Warn("profile probe failed", zap.String("scan_id", sc.ID), zap.Error(err))
		} else {
			out.profile = &profile
		}
	}

	result, attempts, err := w.extract(ctx, sc)
	out.attempts = attempts
	if err != nil {
		return out, err
	}
	out.result = result

	takenAt := w.d.Clock.Now()
	snap := followlytics.Snapshot{
		ScanID:    sc.ID,
		UID:       sc.UID,
		Target:    sc.Username,
		TakenAt:   takenAt,
		Followers: result.Followers,
	}
	var diff *followlytics.Diff
	prev, err := w.d.Snapshots.PreviousSnapshot(ctx, sc.UID, sc.Username, takenAt)
	switch {
	case err == nil:
		d := followlytics.DiffFollowers(prev.Followers, result.Followers)
		diff = &d
		out.diff = d
	case !errors.Is(err, followlytics.ErrNotFound):
		return out, fmt.Errorf("load previous snapshot: %w", err)
	}
	if err := w.d.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		return out, fmt.Errorf("save snapshot: %w", err)
	}

	uri, hash, err := w.export(ctx, snap, diff)
	if err != nil {
		return out, err
	}
	out.uri, out.hash = uri, hash
	return out, nil
}

func (w *Worker) extract(ctx context.Context, sc followlytics.Scan) (followlytics.ExtractResult, int, error) {
	req := followlytics.ExtractRequest{
		ScanID:       sc.ID,
		UID:          sc.UID,
		Username:     sc.Username,
		MaxFollowers: sc.MaxFollowers,
		Progress: func(found int, note string) {
			if note != "" && sc.Method == followlytics.MethodSandbox {
				w.emit(sc, progress.Event{Stage: progress.StageSandboxStep, Step: note, Followers: found})
				return
			}
			w.emit(sc, progress.Event{Stage: progress.StageScanProgress, Followers: found, Note: note})
		},
	}
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		result, err := w.d.Extractors.Extract(ctx, sc.Method, req)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if !retryable(ctx, err) || attempt == w.cfg.MaxAttempts {
			return followlytics.ExtractResult{}, attempt, err
		}
		backoff := w.cfg.RetryBackoff * time.Duration(attempt)
		w.logger.Warn("extraction attempt failed",
			zap.String("scan_id", sc.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return followlytics.ExtractResult{}, attempt, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return followlytics.ExtractResult{}, w.cfg.MaxAttempts, lastErr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, followlytics.ErrMethodUnavailable) &&
		!errors.Is(err, followlytics.ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// exportDocument is the JSON written to the blob store for each scan.
type exportDocument struct {
	ScanID    string                  `json:"scan_id"`
	UID       string                  `json:"uid"`
	Target    string                  `json:"target"`
	TakenAt   time.Time               `json:"taken_at"`
	Count     int                     `json:"count"`
	Followers []followlytics.Follower `json:"followers"`
	Diff      *followlytics.Diff      `json:"diff,omitempty"`
}

func (w *Worker) export(ctx context.Context, snap followlytics.Snapshot, diff *followlytics.Diff) (string, string, error) {
	body, err := json.Marshal(exportDocument{
		ScanID:    snap.ScanID,
		UID:       snap.UID,
		Target:    snap.Target,
		TakenAt:   snap.TakenAt,
		Count:     len(snap.Followers),
		Followers: snap.Followers,
		Diff:      diff,
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal export: %w", err)
	}
	hash, err := w.d.Hasher.Hash(body)
	if err != nil {
		return "", "", fmt.Errorf("hash export: %w", err)
	}
	uri, err := w.d.Blobs.PutObject(ctx, w.buildBlobPath(snap.UID, snap.ScanID), w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("store export: %w", err)
	}
	return uri, hash, nil
}

func (w *Worker) buildBlobPath(uid, scanID string) string {
	return path.Join(w.cfg.BlobPrefix, uid, scanID+".json")
}

func (w *Worker) finishSucceeded(ctx context.Context, sc followlytics.Scan, out outcome, dur time.Duration) {
	counters := followlytics.ScanCounters{
		FollowersFound: len(out.result.Followers),
		Gained:         len(out.diff.Gained),
		Lost:           len(out.diff.Lost),
		Attempts:       out.attempts,
	}
	update := followlytics.ScanUpdate{
		Status:     followlytics.ScanSucceeded,
		Counters:   counters,
		Profile:    out.profile,
		ExportURI:  out.uri,
		ExportHash: out.hash,
		Source:     out.result.Source,
	}
	if err := w.d.Scans.UpdateScan(context.WithoutCancel(ctx), sc.ID, update); err != nil {
		w.logger.Error("failed to mark scan succeeded", zap.String("scan_id", sc.ID), zap.Error(err))
		return
	}
	sc = sc.Apply(update, w.d.Clock.Now())
	w.emit(sc, progress.Event{Stage: progress.StageScanDone, Followers: counters.FollowersFound, Dur: dur})
	telemetry.ObserveScan(string(sc.Method), string(followlytics.ScanSucceeded), counters.FollowersFound, dur)

	w.publishResult(ctx, sc, dur)
	w.notify(ctx, sc)
	w.logger.Info("scan succeeded",
		zap.String("scan_id", sc.ID),
		zap.Int("followers", counters.FollowersFound),
		zap.Int("gained", counters.Gained),
		zap.Int("lost", counters.Lost),
		zap.String("source", sc.Source),
		zap.Duration("duration", dur),
	)
}

func (w *Worker) finishFailed(
	ctx context.Context,
	jobCtx context.Context,
	sc followlytics.Scan,
	out outcome,
	cause error,
	dur time.Duration,
) {
	status, errText := deriveFinalStatus(ctx, jobCtx, cause)
	update := followlytics.ScanUpdate{
		Status:    status,
		ErrorText: errText,
		Counters:  followlytics.ScanCounters{Attempts: out.attempts},
		Profile:   out.profile,
	}
	err := w.d.Scans.UpdateScan(context.WithoutCancel(ctx), sc.ID, update)
	switch {
	case errors.Is(err, followlytics.ErrAlreadyFinished):
		// Canceled through the API; the store already holds the final state.
		status = followlytics.ScanCanceled
	case err != nil:
		w.logger.Error("failed to record scan failure", zap.String("scan_id", sc.ID), zap.Error(err))
	}
	w.emit(sc, progress.Event{Stage: progress.StageScanError, Note: errText, Dur: dur})
	telemetry.ObserveScan(string(sc.Method), string(status), 0, dur)
	w.logger.Warn("scan ended without result",
		zap.String("scan_id", sc.ID),
		zap.String("status", string(status)),
		zap.Int("attempts", out.attempts),
		zap.Error(cause),
	)
}

// deriveFinalStatus maps the failure cause to a terminal status. Shutdown and
// user cancellation end as canceled; everything else, timeouts included, fails.
func deriveFinalStatus(ctx, jobCtx context.Context, cause error) (followlytics.ScanStatus, string) {
	if ctx.Err() != nil {
		return followlytics.ScanCanceled, "worker shutting down"
	}
	switch context.Cause(jobCtx) {
	case scan.ErrCanceledByUser:
		return followlytics.ScanCanceled, scan.ErrCanceledByUser.Error()
	case ErrScanTimeout:
		return followlytics.ScanFailed, ErrScanTimeout.Error()
	}
	return followlytics.ScanFailed, cause.Error()
}

func (w *Worker) publishResult(ctx context.Context, sc followlytics.Scan, dur time.Duration) {
	if w.d.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"event":           "scan.completed",
		"scan_id":         sc.ID,
		"uid":             sc.UID,
		"target":          sc.Username,
		"method":          sc.Method,
		"status":          sc.Status,
		"followers_found": sc.Counters.FollowersFound,
		"gained":          sc.Counters.Gained,
		"lost":            sc.Counters.Lost,
		"export_uri":      sc.ExportURI,
		"export_hash":     sc.ExportHash,
		"duration_ms":     dur.Milliseconds(),
	}
	msgID, err := w.d.Publisher.Publish(context.WithoutCancel(ctx), w.cfg.Topic, payload)
	if err != nil {
		w.logger.Error("failed to publish scan completion", zap.String("scan_id", sc.ID), zap.Error(err))
		return
	}
	w.logger.Debug("scan completion published", zap.String("scan_id", sc.ID), zap.String("message_id", msgID))
}

func (w *Worker) notify(ctx context.Context, sc followlytics.Scan) {
	if w.d.Mailer == nil || w.d.Users == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	user, err := w.d.Users.GetUser(ctx, sc.UID)
	if err != nil {
		w.logger.Warn("failed to load user for notification", zap.String("uid", sc.UID), zap.Error(err))
		return
	}
	if user.Email == "" {
		return
	}
	if err := w.d.Mailer.SendScanComplete(ctx, user.Email, sc); err != nil {
		w.logger.Warn("scan completion email failed", zap.String("scan_id", sc.ID), zap.Error(err))
	}
}

func (w *Worker) emit(sc followlytics.Scan, evt progress.Event) {
	evt.ScanID = sc.ID
	evt.Method = string(sc.Method)
	evt.TS = w.d.Clock.Now()
	w.d.Progress.Emit(evt)
}
