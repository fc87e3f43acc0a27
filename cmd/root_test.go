package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/api"
	"github.com/followlytics/followlytics/internal/config"
)

type fakeApp struct {
	checks map[string]api.ReadyCheck
	ran    bool
	closed bool
	runErr error
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeApp) Checks() map[string]api.ReadyCheck { return f.checks }

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

type fakeMigrator struct {
	migrated bool
	closed   bool
	err      error
}

func (m *fakeMigrator) Migrate(context.Context) error {
	m.migrated = true
	return m.err
}

func (m *fakeMigrator) Close() { m.closed = true }

func withApp(t *testing.T, app *fakeApp, buildErr error) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, *config.Config) (App, error) {
		if buildErr != nil {
			return nil, buildErr
		}
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	withApp(t, app, nil)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	assert.True(t, app.ran)
}

func TestServeReportsBuildError(t *testing.T) {
	withApp(t, nil, errors.New("boom"))

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services")
}

func TestConfigLoadErrorStopsCommand(t *testing.T) {
	app := &fakeApp{}
	withApp(t, app, nil)

	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
	assert.False(t, app.ran)
}

func TestConfigFileIsPassedToApp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	var got *config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg *config.Config) (App, error) {
		got = cfg
		return &fakeApp{}, nil
	}
	t.Cleanup(func() { newApp = orig })

	_, err := execute(t, "serve", "--config", path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9191, got.Server.Port)
}

func TestDoctorPassesAndClosesApp(t *testing.T) {
	app := &fakeApp{checks: map[string]api.ReadyCheck{
		"postgres":  func(context.Context) error { return nil },
		"firestore": func(context.Context) error { return nil },
	}}
	withApp(t, app, nil)

	out, err := execute(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "firestore")
	assert.Contains(t, out, "postgres")
	assert.Less(t, bytes.Index([]byte(out), []byte("firestore")), bytes.Index([]byte(out), []byte("postgres")))
	assert.True(t, app.closed)
}

func TestDoctorFailsOnBrokenBackend(t *testing.T) {
	app := &fakeApp{checks: map[string]api.ReadyCheck{
		"gcs":      func(context.Context) error { return errors.New("bucket missing") },
		"postgres": func(context.Context) error { return nil },
	}}
	withApp(t, app, nil)

	out, err := execute(t, "doctor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 backend check(s) failed")
	assert.Contains(t, out, "bucket missing")
}

func TestDoctorWithoutBackends(t *testing.T) {
	withApp(t, &fakeApp{}, nil)

	out, err := execute(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "no external backends configured")
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("FOLLOWLYTICS_DATABASE_DSN", "")

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Setenv("FOLLOWLYTICS_DATABASE_DSN", "postgres://localhost/followlytics")
	m := &fakeMigrator{}
	orig := openMigrator
	var gotDSN string
	openMigrator = func(_ context.Context, db config.DatabaseConfig) (migrator, error) {
		gotDSN = db.DSN
		return m, nil
	}
	t.Cleanup(func() { openMigrator = orig })

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/followlytics", gotDSN)
	assert.True(t, m.migrated)
	assert.True(t, m.closed)
	assert.Contains(t, out, "up to date")
}
