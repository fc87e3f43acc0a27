// Package ratelimit implements per-key token bucket throttling for outbound vendor calls.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/followlytics/followlytics/internal/telemetry"
)

// Limiter manages one token bucket per key (vendor name or host).
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	paused       map[string]time.Time
	overrides    map[string]Limit
	defaultRate  rate.Limit
	defaultBurst int
}

// Limit is a rate for one key.
type Limit struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// PerKey overrides the default for specific keys.
	PerKey map[string]Limit
}

// New creates a new Limiter. A non-positive DefaultRPS disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		paused:       make(map[string]time.Time),
		overrides:    cfg.PerKey,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	limiter := l.limiterFor(key)

	start := time.Now()
	if until := l.pausedUntil(key); until.After(start) {
		timer := time.NewTimer(until.Sub(start))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		telemetry.ObserveRateLimitDelay(key, d)
	}
	return nil
}

// WaitURL throttles by the host of rawURL.
func (l *Limiter) WaitURL(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return l.Wait(ctx, host)
}

// Pause blocks every Wait on key until resume, used when a vendor reports exhaustion.
func (l *Limiter) Pause(key string, resume time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if resume.After(l.paused[key]) {
		l.paused[key] = resume
	}
}

func (l *Limiter) pausedUntil(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused[key]
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		burst := l.defaultBurst
		if o, found := l.overrides[key]; found && o.Burst > 0 {
			burst = o.Burst
		}
		limiter = rate.NewLimiter(l.rateFor(key), burst)
		l.limiters[key] = limiter
	}
	return limiter
}

func (l *Limiter) rateFor(key string) rate.Limit {
	if o, ok := l.overrides[key]; ok && o.RPS > 0 {
		return rate.Limit(o.RPS)
	}
	return l.defaultRate
}
