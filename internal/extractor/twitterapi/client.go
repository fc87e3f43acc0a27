// Package twitterapi extracts followers through the official X API, using
// app-only OAuth2 for v2 or OAuth1 user context for v1.1.
package twitterapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/telemetry"
)

const (
	vendor        = "twitter"
	v2PageSize    = 1000
	v1PageSize    = 200
	maxErrorBytes = 1024
	v2UserFields  = "name,description,verified,profile_image_url,public_metrics"
)

// ErrRateLimited is returned when the reset time lies beyond the context deadline.
var ErrRateLimited = errors.New("x api rate limit exhausted")

// Config holds the X API credentials. Either user tokens (v1.1) or an app
// bearer/client credentials pair (v2) must be set.
type Config struct {
	BaseURL           string
	BearerToken       string
	ClientID          string
	ClientSecret      string
	TokenURL          string
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
}

// UserContext reports whether OAuth1 user tokens are configured.
func (c Config) UserContext() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.AccessToken != "" && c.AccessTokenSecret != ""
}

// AppContext reports whether app-only credentials are configured.
func (c Config) AppContext() bool {
	return c.BearerToken != "" || (c.ClientID != "" && c.ClientSecret != "")
}

// Limiter throttles calls and can be paused until a reset time.
type Limiter interface {
	Wait(ctx context.Context, key string) error
	Pause(key string, resume time.Time)
}

// Extractor implements followlytics.Extractor against the X API.
type Extractor struct {
	base    string
	http    *http.Client
	v1      bool
	limiter Limiter
	logger  *zap.Logger
}

// New builds an Extractor. User context wins when both credential sets exist,
// since v1.1 follower listing carries higher per-user limits.
func New(ctx context.Context, cfg Config, limiter Limiter, logger *zap.Logger) (*Extractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.twitter.com"
	}
	e := &Extractor{base: base, limiter: limiter, logger: logger}
	switch {
	case cfg.UserContext():
		oc := oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret)
		e.http = oc.Client(ctx, oauth1.NewToken(cfg.AccessToken, cfg.AccessTokenSecret))
		e.v1 = true
	case cfg.BearerToken != "":
		e.http = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken}))
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		e.http = cc.Client(ctx)
	default:
		return nil, fmt.Errorf("x api credentials are not configured")
	}
	return e, nil
}

// newWithClient is used by tests to inject an unauthenticated client.
func newWithClient(base string, hc *http.Client, v1 bool, limiter Limiter) *Extractor {
	return &Extractor{base: strings.TrimRight(base, "/"), http: hc, v1: v1, limiter: limiter, logger: zap.NewNop()}
}

// Extract pages through the follower list of req.Username.
func (e *Extractor) Extract(ctx context.Context, req followlytics.ExtractRequest) (followlytics.ExtractResult, error) {
	var (
		followers []followlytics.Follower
		err       error
		source    string
	)
	if e.v1 {
		source = "x-api-v1.1"
		followers, err = e.extractV1(ctx, req)
	} else {
		source = "x-api-v2"
		followers, err = e.extractV2(ctx, req)
	}
	if err != nil {
		return followlytics.ExtractResult{}, err
	}
	return followlytics.ExtractResult{
		Followers: followlytics.DedupeFollowers(followers, req.MaxFollowers),
		Source:    source,
	}, nil
}

type v2User struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	Verified        bool   `json:"verified"`
	ProfileImageURL string `json:"profile_image_url"`
	PublicMetrics   struct {
		FollowersCount int `json:"followers_count"`
		FollowingCount int `json:"following_count"`
	} `json:"public_metrics"`
}

func (u v2User) follower() followlytics.Follower {
	return followlytics.Follower{
		ID:             u.ID,
		Username:       u.Username,
		DisplayName:    u.Name,
		Description:    u.Description,
		FollowersCount: u.PublicMetrics.FollowersCount,
		FollowingCount: u.PublicMetrics.FollowingCount,
		Verified:       u.Verified,
		AvatarURL:      u.ProfileImageURL,
	}
}

func (e *Extractor) extractV2(ctx context.Context, req followlytics.ExtractRequest) ([]followlytics.Follower, error) {
	var lookup struct {
		Data   *v2User `json:"data"`
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := e.get(ctx, "/2/users/by/username/"+url.PathEscape(req.Username), nil, &lookup); err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if lookup.Data == nil {
		if len(lookup.Errors) > 0 {
			return nil, fmt.Errorf("lookup user %s: %w: %s", req.Username, followlytics.ErrNotFound, lookup.Errors[0].Detail)
		}
		return nil, fmt.Errorf("lookup user %s: %w", req.Username, followlytics.ErrNotFound)
	}

	var (
		out   []followlytics.Follower
		token string
	)
	for {
		q := url.Values{}
		q.Set("max_results", strconv.Itoa(v2PageSize))
		q.Set("user.fields", v2UserFields)
		if token != "" {
			q.Set("pagination_token", token)
		}
		var page struct {
			Data []v2User `json:"data"`
			Meta struct {
				NextToken string `json:"next_token"`
			} `json:"meta"`
		}
		if err := e.get(ctx, "/2/users/"+lookup.Data.ID+"/followers", q, &page); err != nil {
			return nil, fmt.Errorf("list followers: %w", err)
		}
		for _, u := range page.Data {
			out = append(out, u.follower())
		}
		report(req, len(out))
		if page.Meta.NextToken == "" || reached(req, len(out)) {
			return out, nil
		}
		token = page.Meta.NextToken
	}
}

type v1User struct {
	IDStr          string `json:"id_str"`
	ScreenName     string `json:"screen_name"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	FollowersCount int    `json:"followers_count"`
	FriendsCount   int    `json:"friends_count"`
	Verified       bool   `json:"verified"`
	ProfileImage   string `json:"profile_image_url_https"`
}

func (e *Extractor) extractV1(ctx context.Context, req followlytics.ExtractRequest) ([]followlytics.Follower, error) {
	var out []followlytics.Follower
	cursor := "-1"
	for {
		q := url.Values{}
		q.Set("screen_name", req.Username)
		q.Set("count", strconv.Itoa(v1PageSize))
		q.Set("cursor", cursor)
		q.Set("skip_status", "true")
		q.Set("include_user_entities", "false")
		var page struct {
			Users      []v1User `json:"users"`
			NextCursor string   `json:"next_cursor_str"`
		}
		if err := e.get(ctx, "/1.1/followers/list.json", q, &page); err != nil {
			return nil, fmt.Errorf("list followers: %w", err)
		}
		for _, u := range page.Users {
			out = append(out, followlytics.Follower{
				ID:             u.IDStr,
				Username:       u.ScreenName,
				DisplayName:    u.Name,
				Description:    u.Description,
				FollowersCount: u.FollowersCount,
				FollowingCount: u.FriendsCount,
				Verified:       u.Verified,
				AvatarURL:      u.ProfileImage,
			})
		}
		report(req, len(out))
		if page.NextCursor == "" || page.NextCursor == "0" || reached(req, len(out)) {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// get performs one GET, waiting out 429 responses while the reset falls
// within the context deadline.
func (e *Extractor) get(ctx context.Context, path string, q url.Values, out any) error {
	target := e.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	for {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, vendor); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := e.http.Do(req)
		if err != nil {
			telemetry.ObserveVendorRequest(vendor, 0)
			return fmt.Errorf("GET %s: %w", path, err)
		}
		telemetry.ObserveVendorRequest(vendor, resp.StatusCode)

		if resp.StatusCode == http.StatusTooManyRequests {
			reset := resetTime(resp.Header.Get("x-rate-limit-reset"))
			_ = resp.Body.Close()
			if deadline, ok := ctx.Deadline(); ok && reset.After(deadline) {
				return fmt.Errorf("%w until %s", ErrRateLimited, reset.Format(time.RFC3339))
			}
			e.logger.Info("x api rate limited; waiting for reset", zap.Time("reset", reset))
			if e.limiter != nil {
				e.limiter.Pause(vendor, reset)
				continue
			}
			if err := sleepUntil(ctx, reset); err != nil {
				return err
			}
			continue
		}

		err = decode(resp, out)
		_ = resp.Body.Close()
		return err
	}
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("x api 404: %w", followlytics.ErrNotFound)
		}
		return fmt.Errorf("x api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode x api response: %w", err)
	}
	return nil
}

// resetTime parses the epoch-seconds reset header; missing values back off one minute.
func resetTime(header string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().Add(time.Minute)
	}
	return time.Unix(secs, 0)
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for rate limit reset: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func report(req followlytics.ExtractRequest, n int) {
	if req.Progress != nil {
		req.Progress(n, "")
	}
}

func reached(req followlytics.ExtractRequest, n int) bool {
	return req.MaxFollowers > 0 && n >= req.MaxFollowers
}
