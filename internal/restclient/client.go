// Package restclient is the shared JSON-over-HTTP client for vendors that
// publish no Go SDK (Apify, Daytona, Gamma).
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/telemetry"
)

const maxErrorBody = 2048

// APIError is a non-2xx vendor response.
type APIError struct {
	Vendor string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api returned %d: %s", e.Vendor, e.Status, e.Body)
}

// Waiter throttles outbound calls per key.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Config configures a Client.
type Config struct {
	// Vendor names the API in errors, metrics and rate-limit keys.
	Vendor  string
	BaseURL string
	// Auth decorates every request, typically with an Authorization header.
	Auth       func(*http.Request)
	HTTPClient *http.Client
	Retry      RetryPolicy
	Limiter    Waiter
	Logger     *zap.Logger
}

// Client sends JSON requests relative to a base URL.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. Zero values take defaults.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc, logger: logger}
}

// Do sends in (JSON-encoded unless nil or already []byte) and decodes a 2xx body into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in any, out any) error {
	return c.DoRaw(ctx, method, path, "", in, out)
}

// DoRaw is Do with an explicit request content type.
func (c *Client) DoRaw(ctx context.Context, method, path, contentType string, in any, out any) error {
	var payload []byte
	switch v := in.(type) {
	case nil:
	case []byte:
		payload = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", c.cfg.Vendor, err)
		}
		payload = data
		if contentType == "" {
			contentType = "application/json"
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		body, err := c.once(ctx, method, path, contentType, payload)
		if err == nil {
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%s: decode %s %s: %w", c.cfg.Vendor, method, path, err)
			}
			return nil
		}
		lastErr = err
		if !c.cfg.Retry.ShouldRetry(err, attempt) {
			return lastErr
		}
		wait := c.cfg.Retry.Backoff(attempt)
		c.logger.Debug("retrying vendor call",
			zap.String("vendor", c.cfg.Vendor),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", c.cfg.Vendor, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx, c.cfg.Vendor); err != nil {
			return nil, err
		}
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.cfg.Vendor, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Auth != nil {
		c.cfg.Auth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.ObserveVendorRequest(c.cfg.Vendor, 0)
		return nil, fmt.Errorf("%s: %s %s: %w", c.cfg.Vendor, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	telemetry.ObserveVendorRequest(c.cfg.Vendor, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", c.cfg.Vendor, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &APIError{Vendor: c.cfg.Vendor, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// Bearer returns an Auth func that sets a bearer token.
func Bearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

// Header returns an Auth func that sets a single header.
func Header(name, value string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set(name, value)
	}
}
