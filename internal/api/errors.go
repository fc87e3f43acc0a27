package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/analysis"
	stripebilling "github.com/followlytics/followlytics/internal/billing/stripe"
	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/scan"
	"github.com/followlytics/followlytics/internal/session"
	"github.com/followlytics/followlytics/internal/tier"
)

var errInvalidJSON = errors.New("invalid JSON body")

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, errInvalidJSON),
		errors.Is(err, followlytics.ErrInvalidUsername),
		errors.Is(err, scan.ErrInvalidMethod),
		errors.Is(err, session.ErrMissingCookies),
		errors.Is(err, stripebilling.ErrInvalidTier),
		errors.Is(err, stripebilling.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, followlytics.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, tier.ErrFeatureLocked):
		return http.StatusPaymentRequired
	case errors.Is(err, tier.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, followlytics.ErrNotFound),
		errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, followlytics.ErrAlreadyFinished),
		errors.Is(err, followlytics.ErrAlreadyExists),
		errors.Is(err, scan.ErrNotReady),
		errors.Is(err, analysis.ErrScanNotReady),
		errors.Is(err, stripebilling.ErrNoCustomer):
		return http.StatusConflict
	case errors.Is(err, followlytics.ErrMethodUnavailable),
		errors.Is(err, analysis.ErrProviderUnavailable),
		errors.Is(err, session.ErrDisabled),
		errors.Is(err, errBillingDisabled),
		errors.Is(err, followlytics.ErrQueueFull),
		errors.Is(err, followlytics.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Server errors are logged
// and their detail hidden from the client.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, http.StatusText(status))
		return
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		writeError(w, status, validationMessage(verrs))
		return
	}
	writeError(w, status, err.Error())
}

func validationMessage(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if fe.Param() != "" {
			parts = append(parts, field+" failed "+fe.Tag()+"="+fe.Param())
			continue
		}
		parts = append(parts, field+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
