package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/auth"
	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/scan"
	"github.com/followlytics/followlytics/internal/session"
	"github.com/followlytics/followlytics/internal/tier"
)

const (
	defaultScanLimit = 20
	maxScanLimit     = 100
)

var errBillingDisabled = errors.New("billing is not configured")

type submitScanRequest struct {
	Username     string `json:"username" validate:"required,max=16"`
	Method       string `json:"method" validate:"omitempty,oneof=api apify sandbox browser"`
	MaxFollowers int    `json:"max_followers" validate:"gte=0"`
}

type captureSessionRequest struct {
	XUsername    string                `json:"x_username" validate:"omitempty,max=16"`
	Cookies      []followlytics.Cookie `json:"cookies" validate:"required,min=1,dive"`
	LocalStorage map[string]string     `json:"local_storage"`
}

type reportRequest struct {
	ScanID       string `json:"scan_id" validate:"required"`
	Provider     string `json:"provider" validate:"omitempty,oneof=openai grok"`
	Presentation bool   `json:"presentation"`
}

type checkoutRequest struct {
	Tier string `json:"tier" validate:"required,oneof=starter pro enterprise"`
}

type usageDTO struct {
	Month     string `json:"month"`
	Scans     int    `json:"scans"`
	Remaining *int   `json:"remaining,omitempty"`
}

type meResponse struct {
	User    followlytics.User         `json:"user"`
	Limits  tier.Limits               `json:"limits"`
	Usage   usageDTO                  `json:"usage"`
	Methods []followlytics.ScanMethod `json:"methods"`
}

// user returns the authenticated caller or writes 401.
func (s *Server) user(w http.ResponseWriter, r *http.Request) (followlytics.User, bool) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		s.respondError(w, r, followlytics.ErrUnauthenticated)
		return followlytics.User{}, false
	}
	return user, true
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	now := s.d.Clock.Now()
	limits := s.d.Gate.Limits(user.Tier)
	usage := usageDTO{Month: followlytics.UsageKey(now), Scans: user.ScansThisMonth(now)}
	if limits.ScansPerMonth > 0 {
		remaining := max(limits.ScansPerMonth-usage.Scans, 0)
		usage.Remaining = &remaining
	}
	resp := meResponse{User: user, Limits: limits, Usage: usage, Methods: []followlytics.ScanMethod{}}
	if s.d.Methods != nil {
		resp.Methods = s.d.Methods()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	var req submitScanRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	sc, err := s.d.Scans.Submit(r.Context(), user, scan.SubmitRequest{
		Username:     req.Username,
		Method:       followlytics.ScanMethod(req.Method),
		MaxFollowers: req.MaxFollowers,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scan": sc})
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	limit, err := parseIntParam(r, "limit", defaultScanLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scans, err := s.d.Scans.List(r.Context(), user, min(limit, maxScanLimit))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if scans == nil {
		scans = []followlytics.Scan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	sc, err := s.d.Scans.Get(r.Context(), user, chi.URLParam(r, "scan_id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": sc})
}

func (s *Server) scanFollowers(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	page, err := parseIntParam(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, err := parseIntParam(r, "page_size", scan.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.d.Scans.Result(r.Context(), user, chi.URLParam(r, "scan_id"), page, pageSize)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) exportScan(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	scanID := chi.URLParam(r, "scan_id")
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="followers-%s.csv"`, scanID))
	ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
	if err := s.d.Scans.Export(r.Context(), user, scanID, ww); err != nil {
		if ww.wrote {
			s.logger.Error("export aborted mid-stream", zap.String("scan_id", scanID), zap.Error(err))
			return
		}
		w.Header().Del("Content-Disposition")
		s.respondError(w, r, err)
	}
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	sc, err := s.d.Scans.Cancel(r.Context(), user, chi.URLParam(r, "scan_id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": sc})
}

func (s *Server) putSession(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	var req captureSessionRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	status, err := s.d.Sessions.Capture(r.Context(), user.UID, session.CaptureRequest{
		XUsername:    req.XUsername,
		Cookies:      req.Cookies,
		LocalStorage: req.LocalStorage,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": status})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	status, err := s.d.Sessions.Status(r.Context(), user.UID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": status})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	if err := s.d.Sessions.Delete(r.Context(), user.UID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestReport(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	var req reportRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	provider := followlytics.ReportProvider(req.Provider)
	if provider == "" {
		provider = followlytics.ProviderOpenAI
	}
	report, err := s.d.Reports.Request(r.Context(), user, req.ScanID, provider, req.Presentation)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"report": report})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	report, err := s.d.Reports.Get(r.Context(), user, chi.URLParam(r, "report_id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	if s.d.Billing == nil {
		s.respondError(w, r, errBillingDisabled)
		return
	}
	var req checkoutRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	url, err := s.d.Billing.CreateCheckout(r.Context(), user, followlytics.Tier(req.Tier))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) portal(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	if s.d.Billing == nil {
		s.respondError(w, r, errBillingDisabled)
		return
	}
	url, err := s.d.Billing.CreatePortal(r.Context(), user)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.d.Billing == nil {
		s.respondError(w, r, errBillingDisabled)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	start := time.Now()
	if err := s.d.Billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Debug("stripe webhook handled", zap.Duration("duration", time.Since(start)))
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return val, nil
}
