package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/followlytics/followlytics/internal/followlytics"
)

type fakeSessions struct {
	data followlytics.SessionData
	err  error
}

func (f fakeSessions) Open(context.Context, string) (followlytics.SessionData, error) {
	return f.data, f.err
}

type fakeDaytona struct {
	mu        sync.Mutex
	uploads   map[string]string
	commands  []string
	deleted   atomic.Bool
	polls     atomic.Int32
	readyAt   int32
	resultAt  int32
	resultRaw string
}

func (f *fakeDaytona) handler(t *testing.T) http.Handler {
	var stateChecks atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandbox", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"sb1","state":"creating"}`))
	})
	mux.HandleFunc("GET /sandbox/sb1", func(w http.ResponseWriter, _ *http.Request) {
		state := "creating"
		if stateChecks.Add(1) >= f.readyAt {
			state = "started"
		}
		_, _ = w.Write([]byte(`{"id":"sb1","state":"` + state + `"}`))
	})
	mux.HandleFunc("DELETE /sandbox/sb1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("force"))
		f.deleted.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /toolbox/sb1/toolbox/files/upload", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		f.mu.Lock()
		f.uploads[r.URL.Query().Get("path")] = string(data)
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /toolbox/sb1/toolbox/process/session", func(http.ResponseWriter, *http.Request) {})
	mux.HandleFunc("POST /toolbox/sb1/toolbox/process/session/scan-s1/exec", func(_ http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.commands = append(f.commands, string(body))
		f.mu.Unlock()
	})
	mux.HandleFunc("GET /toolbox/sb1/toolbox/files/download", func(w http.ResponseWriter, _ *http.Request) {
		if f.resultAt == 0 || f.polls.Add(1) < f.resultAt {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(f.resultRaw))
	})
	return mux
}

func newManager(t *testing.T, srv *httptest.Server, sessions followlytics.SessionOpener, timeout time.Duration) *Manager {
	t.Helper()
	m, err := New(Config{
		APIKey:        "key",
		BaseURL:       srv.URL,
		WorkDir:       "/work",
		PollInterval:  time.Millisecond,
		ResultTimeout: timeout,
	}, sessions)
	require.NoError(t, err)
	return m
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	fake := &fakeDaytona{
		uploads:   map[string]string{},
		readyAt:   2,
		resultAt:  3,
		resultRaw: `{"followers":[{"username":"alice"},{"username":"Alice"},{"username":"bob"}]}`,
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	sessions := fakeSessions{data: followlytics.SessionData{Cookies: []followlytics.Cookie{{Name: "auth_token", Value: "secret"}}}}
	m := newManager(t, srv, sessions, time.Second)

	var steps []string
	res, err := m.Extract(context.Background(), followlytics.ExtractRequest{
		ScanID:   "s1",
		UID:      "u1",
		Username: "jack",
		Progress: func(_ int, step string) { steps = append(steps, step) },
	})
	require.NoError(t, err)
	require.Equal(t, "daytona", res.Source)
	require.Len(t, res.Followers, 2)
	require.True(t, fake.deleted.Load())

	require.Contains(t, fake.uploads["/work/cookies.json"], `"secret"`)
	require.Equal(t, string(scraperScript), fake.uploads["/work/followers.py"])
	require.Len(t, fake.commands, 1)
	require.Contains(t, fake.commands[0], "python3 /work/followers.py jack 0 /work/cookies.json /work/result.json")
	require.Contains(t, fake.commands[0], `"runAsync":true`)

	require.Equal(t, []string{
		StepCreate, StepReady, StepUploadCookies, StepUploadScript,
		StepExecute, StepPollResult, StepParse, StepCleanup,
	}, steps)
}

func TestRunResultTimeoutStillDeletes(t *testing.T) {
	t.Parallel()

	fake := &fakeDaytona{uploads: map[string]string{}, readyAt: 1}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	m := newManager(t, srv, fakeSessions{}, 20*time.Millisecond)
	_, err := m.Run(context.Background(), followlytics.ExtractRequest{ScanID: "s1", Username: "jack"})
	require.ErrorIs(t, err, ErrResultTimeout)
	require.True(t, fake.deleted.Load())
}

func TestRunCanceledStillDeletes(t *testing.T) {
	t.Parallel()

	fake := &fakeDaytona{uploads: map[string]string{}, readyAt: 1}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	m := newManager(t, srv, fakeSessions{}, time.Minute)
	_, err := m.Run(ctx, followlytics.ExtractRequest{ScanID: "s1", Username: "jack"})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, fake.deleted.Load())
}

func TestRunScraperError(t *testing.T) {
	t.Parallel()

	fake := &fakeDaytona{uploads: map[string]string{}, readyAt: 1, resultAt: 1, resultRaw: `{"error":"login required","followers":[]}`}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	m := newManager(t, srv, fakeSessions{}, time.Second)
	_, err := m.Run(context.Background(), followlytics.ExtractRequest{ScanID: "s1", Username: "jack"})
	require.ErrorContains(t, err, "login required")
	require.True(t, fake.deleted.Load())
}

func TestRunWithoutSessionCreatesNothing(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	m := newManager(t, srv, fakeSessions{err: followlytics.ErrNotFound}, time.Second)
	_, err := m.Run(context.Background(), followlytics.ExtractRequest{ScanID: "s1", Username: "jack"})
	require.ErrorIs(t, err, followlytics.ErrNotFound)
	require.Zero(t, calls.Load())
}

func TestScriptEmbedded(t *testing.T) {
	t.Parallel()
	require.True(t, strings.Contains(string(scraperScript), "sync_playwright"))
}
