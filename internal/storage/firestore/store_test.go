package firestore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/followlytics/followlytics/internal/followlytics"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	require.NoError(t, mapError(nil, "x"))
	require.ErrorIs(t, mapError(status.Error(codes.NotFound, "gone"), "get"), followlytics.ErrNotFound)
	require.ErrorIs(t, mapError(status.Error(codes.AlreadyExists, "dup"), "create"), followlytics.ErrAlreadyExists)

	other := errors.New("boom")
	err := mapError(other, "write")
	require.ErrorIs(t, err, other)
	require.NotErrorIs(t, err, followlytics.ErrNotFound)
}

// newEmulatorStore connects to the Firestore emulator when FIRESTORE_EMULATOR_HOST is set.
func newEmulatorStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	store, err := New(context.Background(), "followlytics-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEmulatorUserLifecycle(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	uid := "user-" + time.Now().Format("150405.000000")

	require.NoError(t, store.CreateUser(ctx, followlytics.User{UID: uid, Tier: followlytics.TierFree}))
	require.ErrorIs(t, store.CreateUser(ctx, followlytics.User{UID: uid}), followlytics.ErrAlreadyExists)

	require.NoError(t, store.ReserveUsage(ctx, uid, "2026-03", 2))
	require.NoError(t, store.ReserveUsage(ctx, uid, "2026-03", 2))
	require.ErrorIs(t, store.ReserveUsage(ctx, uid, "2026-03", 2), followlytics.ErrQuotaExceeded)
	require.NoError(t, store.UpdateTier(ctx, uid, followlytics.TierPro, "cus_"+uid, "sub_1"))

	user, err := store.GetUser(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, followlytics.TierPro, user.Tier)
	require.Equal(t, 2, user.Usage["2026-03"])

	found, err := store.FindByCustomer(ctx, "cus_"+uid)
	require.NoError(t, err)
	require.Equal(t, uid, found.UID)
}

func TestEmulatorScanTransitions(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	id := "scan-" + time.Now().Format("150405.000000")

	require.NoError(t, store.CreateScan(ctx, followlytics.Scan{ID: id, UID: "u1", Status: followlytics.ScanQueued, Submitted: time.Now().UTC()}))
	require.NoError(t, store.UpdateScan(ctx, id, followlytics.ScanUpdate{Status: followlytics.ScanRunning}))
	require.NoError(t, store.UpdateProgress(ctx, id, 10))
	require.NoError(t, store.UpdateScan(ctx, id, followlytics.ScanUpdate{Status: followlytics.ScanCanceled}))
	require.ErrorIs(t, store.UpdateScan(ctx, id, followlytics.ScanUpdate{Status: followlytics.ScanRunning}), followlytics.ErrAlreadyFinished)

	scan, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.Equal(t, followlytics.ScanCanceled, scan.Status)
	require.NotNil(t, scan.Started)
	require.NotNil(t, scan.Finished)
	require.Equal(t, 10, scan.Progress)
}

func TestEmulatorListScansByStatus(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	id := "open-" + time.Now().Format("150405.000000")

	require.NoError(t, store.CreateScan(ctx, followlytics.Scan{ID: id, UID: "u1", Status: followlytics.ScanQueued, Submitted: time.Now().UTC()}))
	open, err := store.ListScansByStatus(ctx, followlytics.ScanQueued, followlytics.ScanRunning)
	require.NoError(t, err)
	ids := make([]string, 0, len(open))
	for _, sc := range open {
		ids = append(ids, sc.ID)
	}
	require.Contains(t, ids, id)
}

func TestEmulatorSessionDelete(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()

	require.ErrorIs(t, store.DeleteSession(ctx, "nobody"), followlytics.ErrNotFound)
	require.NoError(t, store.PutSession(ctx, followlytics.Session{UID: "u1", XUsername: "jack", Sealed: []byte{1, 2}}))
	got, err := store.GetSession(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, got.Sealed)
	require.NoError(t, store.DeleteSession(ctx, "u1"))
}
