// Package browser extracts followers by scrolling the followers page in a
// local headless Chrome driven through chromedp.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Config controls the behavior of the headless extractor.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// IdleRounds is how many scrolls without new cells end the extraction.
	IdleRounds  int
	ScrollDelay time.Duration
	BaseURL     string
	Logger      *zap.Logger
}

// Extractor implements followlytics.Extractor using chromedp and headless Chrome.
type Extractor struct {
	cfg         Config
	sessions    followlytics.SessionOpener
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

const collectCellsJS = `Array.from(document.querySelectorAll('[data-testid="UserCell"]')).map(c => {
  const a = c.querySelector('a[role="link"][href^="/"]');
  const img = c.querySelector('img');
  return {
    href: a ? a.getAttribute('href') : '',
    text: c.innerText || '',
    verified: !!c.querySelector('[data-testid="icon-verified"]'),
    avatar: img ? img.src : ''
  };
})`

const scrollJS = `window.scrollBy(0, Math.max(window.innerHeight, 2000)); true`

// New creates a headless extractor backed by chromedp.
func New(cfg Config, sessions followlytics.SessionOpener) (*Extractor, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session opener is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 5 * time.Minute
	}
	if cfg.IdleRounds <= 0 {
		cfg.IdleRounds = 4
	}
	if cfg.ScrollDelay <= 0 {
		cfg.ScrollDelay = 1500 * time.Millisecond
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://x.com"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Extractor{
		cfg:         cfg,
		sessions:    sessions,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context.
func (e *Extractor) Close() {
	e.allocCancel()
}

// Extract loads the followers page with the user's session and scrolls until
// the list stops growing or the cap is reached.
func (e *Extractor) Extract(ctx context.Context, req followlytics.ExtractRequest) (followlytics.ExtractResult, error) {
	session, err := e.sessions.Open(ctx, req.UID)
	if err != nil {
		return followlytics.ExtractResult{}, fmt.Errorf("open session: %w", err)
	}
	if err := e.acquire(ctx); err != nil {
		return followlytics.ExtractResult{}, err
	}
	defer e.release()

	taskCtx, taskCancel := chromedp.NewContext(e.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, e.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	target := strings.TrimRight(e.cfg.BaseURL, "/") + "/" + url.PathEscape(req.Username) + "/followers"
	if err := chromedp.Run(taskCtx,
		e.networkSetupAction(session),
		chromedp.Navigate(target),
		chromedp.WaitVisible(`[data-testid="UserCell"]`, chromedp.ByQuery),
	); err != nil {
		return followlytics.ExtractResult{}, fmt.Errorf("load followers page: %w", err)
	}

	collected := newCollector(req.MaxFollowers)
	idle := 0
	for idle < e.cfg.IdleRounds && !collected.full() {
		var cells []cell
		var scrolled bool
		if err := chromedp.Run(taskCtx,
			chromedp.Evaluate(collectCellsJS, &cells),
			chromedp.Evaluate(scrollJS, &scrolled),
			chromedp.Sleep(e.cfg.ScrollDelay),
		); err != nil {
			if len(collected.followers) > 0 && ctx.Err() == nil {
				e.logger.Warn("browser extraction stopped early", zap.String("scan_id", req.ScanID), zap.Error(err))
				break
			}
			return followlytics.ExtractResult{}, fmt.Errorf("collect followers: %w", err)
		}
		if collected.add(cells) == 0 {
			idle++
			continue
		}
		idle = 0
		if req.Progress != nil {
			req.Progress(len(collected.followers), "")
		}
	}

	return followlytics.ExtractResult{
		Followers: followlytics.DedupeFollowers(collected.followers, req.MaxFollowers),
		Source:    "browser",
	}, nil
}

func (e *Extractor) networkSetupAction(session followlytics.SessionData) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		for _, c := range session.Cookies {
			if err := setCookie(c).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		if len(session.LocalStorage) == 0 {
			return nil
		}
		script, err := localStorageScript(e.cfg.BaseURL, session.LocalStorage)
		if err != nil {
			return err
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("install local storage: %w", err)
		}
		return nil
	})
}

// localStorageScript seeds the captured localStorage entries into every
// document loaded from the host of baseURL, before the page's own scripts run.
func localStorageScript(baseURL string, items map[string]string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	body, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal local storage: %w", err)
	}
	host, err := json.Marshal(u.Host)
	if err != nil {
		return "", fmt.Errorf("marshal host: %w", err)
	}
	return fmt.Sprintf(`(() => {
  if (location.host !== %s) return;
  const items = %s;
  try {
    for (const [k, v] of Object.entries(items)) localStorage.setItem(k, v);
  } catch (e) {}
})();`, host, body), nil
}

func setCookie(c followlytics.Cookie) *network.SetCookieParams {
	domain := c.Domain
	if domain == "" {
		domain = ".x.com"
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	params := network.SetCookie(c.Name, c.Value).
		WithDomain(domain).
		WithPath(path).
		WithSecure(true).
		WithHTTPOnly(c.HTTPOnly)
	if !c.Expires.IsZero() {
		expires := cdp.TimeSinceEpoch(c.Expires)
		params = params.WithExpires(&expires)
	}
	return params
}

func (e *Extractor) acquire(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	select {
	case e.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (e *Extractor) release() {
	if e.limiter == nil {
		return
	}
	select {
	case <-e.limiter:
	default:
	}
}
