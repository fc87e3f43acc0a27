// Package api exposes the HTTP interface for the Followlytics service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/scan"
	"github.com/followlytics/followlytics/internal/session"
	"github.com/followlytics/followlytics/internal/telemetry"
	"github.com/followlytics/followlytics/internal/tier"
)

const (
	maxBodyBytes    = 1 << 20
	maxWebhookBytes = 64 << 10
	readyTimeout    = 3 * time.Second
)

// ScanService submits and reads follower scans.
type ScanService interface {
	Submit(ctx context.Context, user followlytics.User, req scan.SubmitRequest) (followlytics.Scan, error)
	Get(ctx context.Context, user followlytics.User, scanID string) (followlytics.Scan, error)
	List(ctx context.Context, user followlytics.User, limit int) ([]followlytics.Scan, error)
	Cancel(ctx context.Context, user followlytics.User, scanID string) (followlytics.Scan, error)
	Result(ctx context.Context, user followlytics.User, scanID string, page, pageSize int) (scan.ResultPage, error)
	Export(ctx context.Context, user followlytics.User, scanID string, w io.Writer) error
}

// ReportService requests and reads AI reports.
type ReportService interface {
	Request(
		ctx context.Context,
		user followlytics.User,
		scanID string,
		provider followlytics.ReportProvider,
		presentation bool,
	) (followlytics.Report, error)
	Get(ctx context.Context, user followlytics.User, reportID string) (followlytics.Report, error)
}

// SessionService captures and inspects sealed browser sessions.
type SessionService interface {
	Capture(ctx context.Context, uid string, req session.CaptureRequest) (session.Status, error)
	Status(ctx context.Context, uid string) (session.Status, error)
	Delete(ctx context.Context, uid string) error
}

// Billing creates Stripe sessions and applies webhook events.
type Billing interface {
	CreateCheckout(ctx context.Context, user followlytics.User, t followlytics.Tier) (string, error)
	CreatePortal(ctx context.Context, user followlytics.User) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Deps groups the collaborators of the Server. Billing may be nil when
// Stripe is not configured.
type Deps struct {
	Scans    ScanService
	Reports  ReportService
	Sessions SessionService
	Billing  Billing
	Gate     *tier.Gate
	Clock    followlytics.Clock
	// Auth guards every /v1 route.
	Auth func(http.Handler) http.Handler
	// Methods lists the configured extraction methods.
	Methods func() []followlytics.ScanMethod
	Checks  map[string]ReadyCheck
}

// Server wires HTTP handlers to the services.
type Server struct {
	router   chi.Router
	d        Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(d Deps, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	s := &Server{
		d:        d,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())
	r.Post("/webhooks/stripe", s.stripeWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if d.Auth != nil {
			r.Use(d.Auth)
		}
		r.Get("/me", s.me)
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.submitScan)
			r.Get("/", s.listScans)
			r.Route("/{scan_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Get("/followers", s.scanFollowers)
				r.Get("/export", s.exportScan)
				r.Post("/cancel", s.cancelScan)
			})
		})
		r.Route("/session", func(r chi.Router) {
			r.Put("/", s.putSession)
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
		})
		r.Route("/reports", func(r chi.Router) {
			r.Post("/", s.requestReport)
			r.Get("/{report_id}", s.getReport)
		})
		r.Route("/billing", func(r chi.Router) {
			r.Post("/checkout", s.checkout)
			r.Post("/portal", s.portal)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.d.Checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}
