package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/followlytics/followlytics/internal/progress"
)

// PrometheusSink exports scan lifecycle metrics derived from progress events.
type PrometheusSink struct {
	scansStarted  *prometheus.CounterVec
	scansFinished *prometheus.CounterVec
	scansRunning  prometheus.Gauge
	scanRuntime   *prometheus.HistogramVec
	sandboxSteps  *prometheus.CounterVec

	tracker *scanTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scansStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followlytics_scans_started_total",
			Help: "Scans that started running, by method.",
		}, []string{"method"}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followlytics_scans_finished_total",
			Help: "Scans that finished, by method and result.",
		}, []string{"method", "result"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "followlytics_scans_running",
			Help: "Scans currently running.",
		}),
		scanRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "followlytics_scan_runtime_seconds",
			Help:    "Wall time per finished scan.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"method", "result"}),
		sandboxSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followlytics_sandbox_steps_total",
			Help: "Sandbox lifecycle steps observed, by step.",
		}, []string{"step"}),
		tracker: newScanTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.scansStarted,
		s.scansFinished,
		s.scansRunning,
		s.scanRuntime,
		s.sandboxSteps,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		method := evt.Method
		if method == "" {
			method = "unknown"
		}
		switch evt.Stage {
		case progress.StageScanStart:
			s.scansStarted.WithLabelValues(method).Inc()
			if s.tracker.start(evt.ScanID) {
				s.scansRunning.Inc()
			}
		case progress.StageScanDone:
			s.finish(evt, method, "success")
		case progress.StageScanError:
			s.finish(evt, method, "error")
		case progress.StageSandboxStep:
			s.sandboxSteps.WithLabelValues(evt.Step).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, method, result string) {
	s.scansFinished.WithLabelValues(method, result).Inc()
	if evt.Dur > 0 {
		s.scanRuntime.WithLabelValues(method, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.ScanID) {
		s.scansRunning.Dec()
	}
}

// Close implements the Sink interface.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type scanTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newScanTracker() *scanTracker {
	return &scanTracker{running: make(map[string]struct{})}
}

func (t *scanTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *scanTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
