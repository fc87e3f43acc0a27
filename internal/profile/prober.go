// Package profile reads public X profile metadata from Open Graph tags.
package profile

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Transport http.RoundTripper
	// Limiter throttles page fetches per host; nil disables throttling.
	Limiter HostLimiter
}

// HostLimiter blocks until a request to rawURL may proceed.
type HostLimiter interface {
	WaitURL(ctx context.Context, rawURL string) error
}

// Prober implements followlytics.ProfileProber using a Colly collector.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Prober.
func New(cfg Config) *Prober {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://x.com"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Twitterbot/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = newHTTPTransport()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(cfg.Transport)
	return &Prober{cfg: cfg, baseCollector: c}
}

// Probe fetches the profile page of username and reads its og: meta tags.
func (p *Prober) Probe(ctx context.Context, username string) (followlytics.Profile, error) {
	result := followlytics.Profile{Username: username}
	var probeErr error

	collector := p.baseCollector.Clone()
	collector.UserAgent = p.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(p.cfg.Timeout)
	collector.WithTransport(p.cfg.Transport)
	configureHooks(collector, &result, &probeErr)

	target := strings.TrimRight(p.cfg.BaseURL, "/") + "/" + url.PathEscape(username)
	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.WaitURL(ctx, target); err != nil {
			return followlytics.Profile{}, fmt.Errorf("profile probe throttled: %w", err)
		}
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return followlytics.Profile{}, fmt.Errorf("profile probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return followlytics.Profile{}, fmt.Errorf("profile visit failed: %w", err)
		}
		if probeErr != nil {
			return followlytics.Profile{}, fmt.Errorf("profile response failed: %w", probeErr)
		}
		return result, nil
	}
}

func configureHooks(hooks collectorHooks, result *followlytics.Profile, probeErr *error) {
	hooks.OnHTML(`meta[property^="og:"]`, func(e *colly.HTMLElement) {
		content := strings.TrimSpace(e.Attr("content"))
		switch e.Attr("property") {
		case "og:title":
			result.DisplayName = displayName(content)
		case "og:description":
			result.Description = content
		case "og:image":
			result.AvatarURL = content
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*probeErr = err
	})
}

// displayName strips the " (@handle) / X" suffix X appends to og:title.
func displayName(title string) string {
	if i := strings.LastIndex(title, " (@"); i > 0 {
		return strings.TrimSpace(title[:i])
	}
	return strings.TrimSuffix(title, " / X")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Noop returns only the username. It stands in when probing is disabled.
type Noop struct{}

// Probe implements followlytics.ProfileProber.
func (Noop) Probe(_ context.Context, username string) (followlytics.Profile, error) {
	return followlytics.Profile{Username: username}, nil
}
