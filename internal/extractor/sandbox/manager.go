// Package sandbox runs the follower scraper inside a disposable Daytona
// sandbox using the user's captured X session.
package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/restclient"
)

//go:embed followers.py
var scraperScript []byte

// ErrResultTimeout is returned when the result file never appears.
var ErrResultTimeout = errors.New("sandbox result timeout")

// Lifecycle steps reported through the progress callback.
const (
	StepCreate        = "create"
	StepReady         = "ready"
	StepUploadCookies = "upload_cookies"
	StepUploadScript  = "upload_script"
	StepExecute       = "execute"
	StepPollResult    = "poll_result"
	StepParse         = "parse"
	StepCleanup       = "cleanup"
)

const (
	cleanupTimeout = 30 * time.Second
	stateStarted   = "started"
	stateError     = "error"
)

// Config configures the Daytona client and polling.
type Config struct {
	APIKey        string
	BaseURL       string
	Image         string
	WorkDir       string
	PollInterval  time.Duration
	ResultTimeout time.Duration
	HTTPClient    *http.Client
	Limiter       restclient.Waiter
	Logger        *zap.Logger
}

// Manager implements followlytics.Extractor by orchestrating one sandbox per scan.
type Manager struct {
	api      *restclient.Client
	sessions followlytics.SessionOpener
	cfg      Config
	logger   *zap.Logger
}

// New builds a Manager. The session opener supplies the cookies injected into the sandbox.
func New(cfg Config, sessions followlytics.SessionOpener) (*Manager, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("daytona api key is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session opener is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://app.daytona.io/api"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/home/daytona"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		api: restclient.New(restclient.Config{
			Vendor:     "daytona",
			BaseURL:    cfg.BaseURL,
			Auth:       restclient.Bearer(cfg.APIKey),
			HTTPClient: cfg.HTTPClient,
			Limiter:    cfg.Limiter,
			Logger:     logger,
		}),
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

type sandboxInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"errorReason"`
}

type resultFile struct {
	Error     string                  `json:"error"`
	Followers []followlytics.Follower `json:"followers"`
}

// Extract runs the scraper in a fresh sandbox.
func (m *Manager) Extract(ctx context.Context, req followlytics.ExtractRequest) (followlytics.ExtractResult, error) {
	followers, err := m.Run(ctx, req)
	if err != nil {
		return followlytics.ExtractResult{}, err
	}
	return followlytics.ExtractResult{Followers: followers, Source: "daytona"}, nil
}

// Run creates a sandbox, uploads the session cookies and scraper, executes it,
// waits for the result file and always deletes the sandbox afterwards.
func (m *Manager) Run(ctx context.Context, req followlytics.ExtractRequest) (followers []followlytics.Follower, err error) {
	session, err := m.sessions.Open(ctx, req.UID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	m.step(req, StepCreate, 0)
	var box sandboxInfo
	create := map[string]any{
		"image":            m.cfg.Image,
		"labels":           map[string]string{"app": "followlytics", "scan_id": req.ScanID},
		"autoStopInterval": int(m.cfg.ResultTimeout.Minutes()) + 5,
	}
	if err := m.api.Do(ctx, http.MethodPost, "/sandbox", create, &box); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	log := m.logger.With(zap.String("scan_id", req.ScanID), zap.String("sandbox_id", box.ID))
	log.Info("sandbox created")

	defer func() {
		m.step(req, StepCleanup, len(followers))
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if derr := m.api.Do(cleanupCtx, http.MethodDelete, "/sandbox/"+box.ID+"?force=true", nil, nil); derr != nil {
			log.Warn("sandbox delete failed", zap.Error(derr))
			return
		}
		log.Info("sandbox deleted")
	}()

	if err := m.waitReady(ctx, box); err != nil {
		return nil, err
	}
	m.step(req, StepReady, 0)

	cookiePath := path.Join(m.cfg.WorkDir, "cookies.json")
	scriptPath := path.Join(m.cfg.WorkDir, "followers.py")
	resultPath := path.Join(m.cfg.WorkDir, "result.json")

	m.step(req, StepUploadCookies, 0)
	cookies, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := m.upload(ctx, box.ID, cookiePath, cookies); err != nil {
		return nil, err
	}

	m.step(req, StepUploadScript, 0)
	if err := m.upload(ctx, box.ID, scriptPath, scraperScript); err != nil {
		return nil, err
	}

	m.step(req, StepExecute, 0)
	if err := m.execute(ctx, box.ID, req, scriptPath, cookiePath, resultPath); err != nil {
		return nil, err
	}

	m.step(req, StepPollResult, 0)
	result, err := m.pollResult(ctx, box.ID, resultPath)
	if err != nil {
		return nil, err
	}

	m.step(req, StepParse, len(result.Followers))
	if result.Error != "" && len(result.Followers) == 0 {
		return nil, fmt.Errorf("sandbox scraper: %s", result.Error)
	}
	if result.Error != "" {
		log.Warn("sandbox scraper returned partial result", zap.String("error", result.Error))
	}
	return followlytics.DedupeFollowers(result.Followers, req.MaxFollowers), nil
}

func (m *Manager) waitReady(ctx context.Context, box sandboxInfo) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for box.State != stateStarted {
		if box.State == stateError {
			return fmt.Errorf("sandbox %s failed to start: %s", box.ID, box.Error)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for sandbox: %w", ctx.Err())
		case <-ticker.C:
		}
		if err := m.api.Do(ctx, http.MethodGet, "/sandbox/"+box.ID, nil, &box); err != nil {
			return fmt.Errorf("get sandbox: %w", err)
		}
	}
	return nil
}

func (m *Manager) upload(ctx context.Context, boxID, dest string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", path.Base(dest))
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	target := toolboxPath(boxID, "/files/upload") + "?path=" + url.QueryEscape(dest)
	if err := m.api.DoRaw(ctx, http.MethodPost, target, w.FormDataContentType(), buf.Bytes(), nil); err != nil {
		return fmt.Errorf("upload %s: %w", path.Base(dest), err)
	}
	return nil
}

// execute starts the scraper in a background session command so the call returns immediately.
func (m *Manager) execute(ctx context.Context, boxID string, req followlytics.ExtractRequest, script, cookies, result string) error {
	sessionID := "scan-" + req.ScanID
	if err := m.api.Do(ctx, http.MethodPost, toolboxPath(boxID, "/process/session"), map[string]string{"sessionId": sessionID}, nil); err != nil {
		return fmt.Errorf("create process session: %w", err)
	}
	cmd := fmt.Sprintf("python3 %s %s %s %s %s", script, req.Username, strconv.Itoa(req.MaxFollowers), cookies, result)
	body := map[string]any{"command": cmd, "runAsync": true}
	if err := m.api.Do(ctx, http.MethodPost, toolboxPath(boxID, "/process/session/"+sessionID+"/exec"), body, nil); err != nil {
		return fmt.Errorf("execute scraper: %w", err)
	}
	return nil
}

func (m *Manager) pollResult(ctx context.Context, boxID, resultPath string) (resultFile, error) {
	deadline := time.NewTimer(m.cfg.ResultTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	target := toolboxPath(boxID, "/files/download") + "?path=" + url.QueryEscape(resultPath)
	for {
		select {
		case <-ctx.Done():
			return resultFile{}, fmt.Errorf("poll sandbox result: %w", ctx.Err())
		case <-deadline.C:
			return resultFile{}, fmt.Errorf("%w after %s", ErrResultTimeout, m.cfg.ResultTimeout)
		case <-ticker.C:
		}
		var res resultFile
		err := m.api.Do(ctx, http.MethodGet, target, nil, &res)
		if err == nil {
			return res, nil
		}
		var apiErr *restclient.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusBadRequest) {
			continue
		}
		return resultFile{}, fmt.Errorf("download result: %w", err)
	}
}

func (m *Manager) step(req followlytics.ExtractRequest, step string, followers int) {
	if req.Progress != nil {
		req.Progress(followers, step)
	}
}

func toolboxPath(boxID, suffix string) string {
	return "/toolbox/" + boxID + "/toolbox" + suffix
}
