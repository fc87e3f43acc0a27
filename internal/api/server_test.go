package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/auth"
	stripebilling "github.com/followlytics/followlytics/internal/billing/stripe"
	"github.com/followlytics/followlytics/internal/followlytics"
	queuememory "github.com/followlytics/followlytics/internal/queue/memory"
	"github.com/followlytics/followlytics/internal/scan"
	"github.com/followlytics/followlytics/internal/session"
	"github.com/followlytics/followlytics/internal/storage/memory"
	"github.com/followlytics/followlytics/internal/tier"
)

const testSessionKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

type testEnv struct {
	server    *Server
	users     *memory.UserStore
	scans     *memory.ScanStore
	snapshots *memory.SnapshotStore
	queue     *queuememory.Queue
	reports   *fakeReports
	billing   *fakeBilling
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)}
	env := &testEnv{
		users:     memory.NewUserStore(),
		scans:     memory.NewScanStore(),
		snapshots: memory.NewSnapshotStore(),
		queue:     queuememory.NewQueue(4),
		reports:   &fakeReports{},
		billing:   &fakeBilling{},
	}
	gate := tier.NewGate(nil)
	methods := []followlytics.ScanMethod{followlytics.MethodAPI, followlytics.MethodApify}
	scans := scan.NewService(scan.Deps{
		Scans:     env.scans,
		Users:     env.users,
		Snapshots: env.snapshots,
		Queue:     env.queue,
		Gate:      gate,
		Methods:   availability(methods),
		IDs:       &fakeIDGen{ids: []string{"scan-1", "scan-2"}},
		Clock:     clock,
	})
	sessions, err := session.NewService(memory.NewSessionStore(), clock, testSessionKey, zap.NewNop())
	require.NoError(t, err)
	mw := auth.NewMiddleware(
		auth.NewDevVerifier(map[string]string{"token-free": "uid-free", "token-pro": "uid-pro"}),
		env.users,
		clock,
		zap.NewNop(),
	)
	require.NoError(t, env.users.CreateUser(context.Background(), followlytics.User{
		UID: "uid-pro", Email: "pro@example.com", Tier: followlytics.TierPro,
	}))
	env.server = NewServer(Deps{
		Scans:    scans,
		Reports:  env.reports,
		Sessions: sessions,
		Billing:  env.billing,
		Gate:     gate,
		Clock:    clock,
		Auth:     mw.RequireUser,
		Methods:  func() []followlytics.ScanMethod { return methods },
		Checks: map[string]ReadyCheck{
			"queue": func(context.Context) error { return nil },
		},
	}, 5*time.Second, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_RequiresAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/me", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/me", "bogus", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_MeCreatesFreeAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/me", "token-free", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp meResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "uid-free", resp.User.UID)
	assert.Equal(t, followlytics.TierFree, resp.User.Tier)
	assert.Equal(t, 1000, resp.Limits.MaxFollowersPerScan)
	require.NotNil(t, resp.Usage.Remaining)
	assert.Equal(t, 3, *resp.Usage.Remaining)
	assert.Equal(t, "2026-04", resp.Usage.Month)
	assert.Len(t, resp.Methods, 2)
}

func TestServer_SubmitScan(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/scans", "token-free", `{"username":"@Target"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"id":"scan-1"`)
	require.Contains(t, rec.Body.String(), `"username":"target"`)

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "scan-1", item.ID)
	assert.Equal(t, followlytics.KindScan, item.Kind)
}

func TestServer_SubmitScanErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		token  string
		body   string
		status int
		want   string
	}{
		{"invalid json", "token-free", "{invalid", http.StatusBadRequest, "invalid JSON"},
		{"missing username", "token-free", `{}`, http.StatusBadRequest, "Username failed required"},
		{"unknown method", "token-free", `{"username":"t","method":"fax"}`, http.StatusBadRequest, "Method failed oneof"},
		{"bad handle", "token-free", `{"username":"no spaces"}`, http.StatusBadRequest, "invalid X username"},
		{"tier locked", "token-free", `{"username":"t","method":"apify"}`, http.StatusPaymentRequired, "requires starter"},
		{"not configured", "token-pro", `{"username":"t","method":"sandbox"}`, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPost, "/v1/scans", tt.token, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestServer_QuotaExceeded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	require.NoError(t, env.users.CreateUser(context.Background(), followlytics.User{
		UID:   "uid-free",
		Tier:  followlytics.TierFree,
		Usage: map[string]int{"2026-04": 3},
	}))

	rec := env.do(t, http.MethodPost, "/v1/scans", "token-free", `{"username":"target"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_ScanLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/scans", "token-pro", `{"username":"target"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/scans/scan-1", "token-pro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"queued"`)

	rec = env.do(t, http.MethodGet, "/v1/scans/scan-1", "token-free", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/scans/scan-1/followers", "token-pro", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/scans?limit=5", "token-pro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "scan-1")

	rec = env.do(t, http.MethodPost, "/v1/scans/scan-1/cancel", "token-pro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"canceled"`)

	rec = env.do(t, http.MethodPost, "/v1/scans/scan-1/cancel", "token-pro", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_FollowersAndExport(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.scans.CreateScan(ctx, followlytics.Scan{
		ID: "scan-done", UID: "uid-pro", Username: "target", Status: followlytics.ScanQueued,
	}))
	require.NoError(t, env.scans.UpdateScan(ctx, "scan-done", followlytics.ScanUpdate{Status: followlytics.ScanSucceeded}))
	require.NoError(t, env.snapshots.SaveSnapshot(ctx, followlytics.Snapshot{
		ScanID: "scan-done",
		UID:    "uid-pro",
		Target: "target",
		Followers: []followlytics.Follower{
			{ID: "1", Username: "alice"},
			{ID: "2", Username: "bob"},
			{ID: "3", Username: "carol"},
		},
	}))

	rec := env.do(t, http.MethodGet, "/v1/scans/scan-done/followers?page=2&page_size=2", "token-pro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page scan.ResultPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Followers, 1)
	assert.Equal(t, "carol", page.Followers[0].Username)

	rec = env.do(t, http.MethodGet, "/v1/scans/scan-done/followers?page=zero", "token-pro", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/scans/scan-done/export", "token-pro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "2,bob,,,0,0,false")
}

func TestServer_ExportLockedForFreeTier(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/scans/any/export", "token-free", "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestServer_SessionRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/session", "token-pro", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/session", "token-pro", `{"cookies":[{"name":"ct0","value":"x"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "auth_token")

	rec = env.do(t, http.MethodPut, "/v1/session", "token-pro", `{"cookies":[{"name":"ct0"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Value failed required")

	body := `{"x_username":"@me","cookies":[{"name":"auth_token","value":"a"},{"name":"ct0","value":"b"}]}`
	rec = env.do(t, http.MethodPut, "/v1/session", "token-pro", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotContains(t, rec.Body.String(), `"value"`)

	rec = env.do(t, http.MethodGet, "/v1/session", "token-pro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"x_username":"me"`)

	rec = env.do(t, http.MethodDelete, "/v1/session", "token-pro", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_Reports(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/reports", "token-pro", `{"scan_id":"scan-9","provider":"grok","presentation":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, followlytics.ProviderGrok, env.reports.lastProvider())

	rec = env.do(t, http.MethodPost, "/v1/reports", "token-pro", `{"scan_id":"scan-9"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, followlytics.ProviderOpenAI, env.reports.lastProvider())

	rec = env.do(t, http.MethodPost, "/v1/reports", "token-pro", `{"provider":"openai"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/reports/missing", "token-pro", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Billing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/billing/checkout", "token-free", `{"tier":"pro"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "https://checkout.stripe.test/pro")

	rec = env.do(t, http.MethodPost, "/v1/billing/checkout", "token-free", `{"tier":"free"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/billing/portal", "token-free", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"type":"ping"}`))
	req.Header.Set("Stripe-Signature", "bad")
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"type":"ping"}`))
	req.Header.Set("Stripe-Signature", "good")
	recorder = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, `{"type":"ping"}`, env.billing.lastPayload())
}

func TestServer_BillingDisabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.server.d.Billing = nil

	rec := env.do(t, http.MethodPost, "/webhooks/stripe", "", `{}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	env.server.d.Checks["firestore"] = func(context.Context) error { return errors.New("unreachable") }
	rec = env.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "unreachable")

	rec = env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.server.d.Methods = func() []followlytics.ScanMethod { panic("boom") }

	rec := env.do(t, http.MethodGet, "/v1/me", "token-free", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", followlytics.ErrNotFound), http.StatusNotFound},
		{tier.ErrFeatureLocked, http.StatusPaymentRequired},
		{tier.ErrQuotaExceeded, http.StatusTooManyRequests},
		{followlytics.ErrAlreadyFinished, http.StatusConflict},
		{followlytics.ErrQueueFull, http.StatusServiceUnavailable},
		{session.ErrNoSession, http.StatusNotFound},
		{stripebilling.ErrInvalidSignature, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type availability []followlytics.ScanMethod

func (a availability) Available(method followlytics.ScanMethod) bool {
	for _, m := range a {
		if m == method {
			return true
		}
	}
	return false
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeReports struct {
	mu        sync.Mutex
	providers []followlytics.ReportProvider
}

func (f *fakeReports) Request(
	_ context.Context,
	user followlytics.User,
	scanID string,
	provider followlytics.ReportProvider,
	presentation bool,
) (followlytics.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers = append(f.providers, provider)
	return followlytics.Report{
		ID:           "report-1",
		UID:          user.UID,
		ScanID:       scanID,
		Provider:     provider,
		Presentation: presentation,
		Status:       followlytics.ReportPending,
	}, nil
}

func (f *fakeReports) Get(context.Context, followlytics.User, string) (followlytics.Report, error) {
	return followlytics.Report{}, fmt.Errorf("report: %w", followlytics.ErrNotFound)
}

func (f *fakeReports) lastProvider() followlytics.ReportProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.providers) == 0 {
		return ""
	}
	return f.providers[len(f.providers)-1]
}

type fakeBilling struct {
	mu      sync.Mutex
	payload string
}

func (f *fakeBilling) CreateCheckout(_ context.Context, _ followlytics.User, t followlytics.Tier) (string, error) {
	return "https://checkout.stripe.test/" + string(t), nil
}

func (f *fakeBilling) CreatePortal(_ context.Context, user followlytics.User) (string, error) {
	if user.StripeCustomerID == "" {
		return "", stripebilling.ErrNoCustomer
	}
	return "https://billing.stripe.test/portal", nil
}

func (f *fakeBilling) HandleWebhook(_ context.Context, payload []byte, signature string) error {
	if signature != "good" {
		return stripebilling.ErrInvalidSignature
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = string(payload)
	return nil
}

func (f *fakeBilling) lastPayload() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
