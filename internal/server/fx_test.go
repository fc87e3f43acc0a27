package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followlytics/followlytics/internal/config"
	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/scan"
	"github.com/followlytics/followlytics/internal/tier"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Backend = "memory"
	cfg.Storage.Backend = "memory"
	cfg.Database.DSN = ""
	cfg.PubSub = config.PubSubConfig{}
	cfg.Stripe = config.StripeConfig{}
	cfg.Twitter = config.TwitterConfig{}
	cfg.Daytona.APIKey = ""
	cfg.Browser.Enabled = false
	cfg.Profile.Enabled = false
	cfg.OpenAI.APIKey = ""
	cfg.XAI.APIKey = ""
	cfg.Gamma.APIKey = ""
	cfg.Resend.APIKey = ""
	cfg.Application.ProjectID = ""
	cfg.Apify.Token = "apify-token"
	cfg.Auth.DevTokens = map[string]string{"dev-token": "uid-dev"}
	return &cfg
}

func TestBuildWiresMemoryBackends(t *testing.T) {
	orig := metricsRegisterer
	metricsRegisterer = prometheus.NewRegistry()
	t.Cleanup(func() { metricsRegisterer = orig })

	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.Empty(t, app.Checks())
	assert.Equal(t, 4, app.dispatch.Size())

	srv := httptest.NewServer(app.apiServer.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer dev-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me struct {
		User    followlytics.User         `json:"user"`
		Methods []followlytics.ScanMethod `json:"methods"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "uid-dev", me.User.UID)
	assert.Equal(t, []followlytics.ScanMethod{followlytics.MethodApify}, me.Methods)

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/scans",
		strings.NewReader(`{"username":"jack","method":"api"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer dev-token")
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestRecoverWorkRequeuesStrandedScans(t *testing.T) {
	orig := metricsRegisterer
	metricsRegisterer = prometheus.NewRegistry()
	t.Cleanup(func() { metricsRegisterer = orig })

	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	srv := httptest.NewServer(app.apiServer.Handler())
	t.Cleanup(srv.Close)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer dev-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx := context.Background()
	user := followlytics.User{UID: "uid-dev", Tier: followlytics.TierPro}
	sc, err := app.scans.Submit(ctx, user, scan.SubmitRequest{Username: "jack", Method: followlytics.MethodApify})
	require.NoError(t, err)
	require.Equal(t, 1, app.queue.Len())

	// Drop the buffered item the way a restart would.
	_, err = app.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Zero(t, app.queue.Len())

	require.NoError(t, app.recoverWork(ctx))
	require.Equal(t, 1, app.queue.Len())
	item, err := app.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, item.ID)
}

func TestBuildRejectsBrokenSessionKey(t *testing.T) {
	orig := metricsRegisterer
	metricsRegisterer = prometheus.NewRegistry()
	t.Cleanup(func() { metricsRegisterer = orig })

	cfg := testConfig(t)
	cfg.Session.EncryptionKey = "not-base64!"
	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session service init failed")
}

func TestTierOverrides(t *testing.T) {
	t.Parallel()

	got := tierOverrides(map[string]config.TierLimits{
		"free": {MaxFollowersPerScan: 250, ScansPerMonth: 2},
	})
	assert.Equal(t, map[followlytics.Tier]tier.Limits{
		followlytics.TierFree: {MaxFollowersPerScan: 250, ScansPerMonth: 2},
	}, got)
}
