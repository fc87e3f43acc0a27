// Package apify extracts followers by running an Apify actor and reading its dataset.
package apify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/restclient"
)

// Terminal actor run states.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusAborted   = "ABORTED"
	StatusTimedOut  = "TIMED-OUT"
)

// Config configures the actor run.
type Config struct {
	Token        string
	BaseURL      string
	ActorID      string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Limiter      restclient.Waiter
	Logger       *zap.Logger
}

// Extractor implements followlytics.Extractor on top of an Apify actor.
type Extractor struct {
	api      *restclient.Client
	actorID  string
	interval time.Duration
	logger   *zap.Logger
}

// New returns an Extractor; Token and ActorID are required.
func New(cfg Config) (*Extractor, error) {
	if cfg.Token == "" || cfg.ActorID == "" {
		return nil, fmt.Errorf("apify token and actor id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.apify.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		api: restclient.New(restclient.Config{
			Vendor:     "apify",
			BaseURL:    cfg.BaseURL,
			Auth:       restclient.Bearer(cfg.Token),
			HTTPClient: cfg.HTTPClient,
			Limiter:    cfg.Limiter,
			Logger:     logger,
		}),
		actorID:  cfg.ActorID,
		interval: cfg.PollInterval,
		logger:   logger,
	}, nil
}

type runInput struct {
	Usernames []string `json:"usernames"`
	MaxItems  int      `json:"maxItems,omitempty"`
}

type run struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	DefaultDatasetID string `json:"defaultDatasetId"`
	StatusMessage    string `json:"statusMessage"`
}

type runEnvelope struct {
	Data run `json:"data"`
}

// item accepts the field spellings used by the common follower-scraper actors.
type item struct {
	ID             string `json:"id"`
	IDStr          string `json:"id_str"`
	UserName       string `json:"userName"`
	ScreenName     string `json:"screen_name"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Followers      int    `json:"followers"`
	FollowersCount int    `json:"followers_count"`
	Following      int    `json:"following"`
	FriendsCount   int    `json:"friends_count"`
	IsVerified     bool   `json:"isVerified"`
	IsBlueVerified bool   `json:"isBlueVerified"`
	ProfilePicture string `json:"profilePicture"`
	ProfileImage   string `json:"profile_image_url_https"`
}

func (it item) follower() followlytics.Follower {
	return followlytics.Follower{
		ID:             firstNonEmpty(it.ID, it.IDStr),
		Username:       firstNonEmpty(it.UserName, it.ScreenName),
		DisplayName:    it.Name,
		Description:    it.Description,
		FollowersCount: max(it.Followers, it.FollowersCount),
		FollowingCount: max(it.Following, it.FriendsCount),
		Verified:       it.IsVerified || it.IsBlueVerified,
		AvatarURL:      firstNonEmpty(it.ProfilePicture, it.ProfileImage),
	}
}

// Extract starts a run, waits for it to finish and reads the dataset.
func (e *Extractor) Extract(ctx context.Context, req followlytics.ExtractRequest) (followlytics.ExtractResult, error) {
	var started runEnvelope
	input := runInput{Usernames: []string{req.Username}, MaxItems: req.MaxFollowers}
	if err := e.api.Do(ctx, http.MethodPost, "/v2/acts/"+url.PathEscape(e.actorID)+"/runs", input, &started); err != nil {
		return followlytics.ExtractResult{}, fmt.Errorf("start actor run: %w", err)
	}
	e.logger.Info("apify run started", zap.String("scan_id", req.ScanID), zap.String("run_id", started.Data.ID))

	finished, err := e.wait(ctx, started.Data)
	if err != nil {
		e.abort(started.Data.ID)
		return followlytics.ExtractResult{}, err
	}
	if finished.Status != StatusSucceeded {
		return followlytics.ExtractResult{}, fmt.Errorf("apify run %s ended %s: %s", finished.ID, finished.Status, finished.StatusMessage)
	}

	q := url.Values{}
	q.Set("clean", "true")
	q.Set("format", "json")
	if req.MaxFollowers > 0 {
		q.Set("limit", strconv.Itoa(req.MaxFollowers))
	}
	var items []item
	if err := e.api.Do(ctx, http.MethodGet, "/v2/datasets/"+finished.DefaultDatasetID+"/items?"+q.Encode(), nil, &items); err != nil {
		return followlytics.ExtractResult{}, fmt.Errorf("read dataset: %w", err)
	}
	out := make([]followlytics.Follower, 0, len(items))
	for _, it := range items {
		out = append(out, it.follower())
	}
	if req.Progress != nil {
		req.Progress(len(out), "dataset read")
	}
	return followlytics.ExtractResult{
		Followers: followlytics.DedupeFollowers(out, req.MaxFollowers),
		Source:    "apify:" + e.actorID,
	}, nil
}

func (e *Extractor) wait(ctx context.Context, r run) (run, error) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for !terminal(r.Status) {
		select {
		case <-ctx.Done():
			return r, fmt.Errorf("wait for apify run: %w", ctx.Err())
		case <-ticker.C:
		}
		var env runEnvelope
		if err := e.api.Do(ctx, http.MethodGet, "/v2/actor-runs/"+r.ID, nil, &env); err != nil {
			return r, fmt.Errorf("poll actor run: %w", err)
		}
		r = env.Data
	}
	return r, nil
}

// abort stops an abandoned run so it does not keep consuming credits.
func (e *Extractor) abort(runID string) {
	if runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.api.Do(ctx, http.MethodPost, "/v2/actor-runs/"+runID+"/abort", nil, nil); err != nil {
		e.logger.Warn("apify abort failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusTimedOut:
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
