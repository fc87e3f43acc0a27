package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  firebase_project_id: followlytics-dev
  dev_tokens:
    token-a: uid-a
store:
  backend: firestore
scan:
  concurrency: 6
  queue_depth: 128
  job_timeout_seconds: 45
storage:
  backend: gcs
  bucket: exports-bucket
  prefix: dumps
stripe:
  secret_key: sk_test_123
  webhook_secret: whsec_123
  prices:
    starter: price_starter
    pro: price_pro
tiers:
  free:
    max_followers_per_scan: 250
    scans_per_month: 2
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.FirestoreProject() != "followlytics-dev" {
		t.Fatalf("expected firestore project to fall back to firebase project, got %q", cfg.FirestoreProject())
	}
	if cfg.Auth.DevTokens["token-a"] != "uid-a" {
		t.Fatalf("expected dev token mapping, got %+v", cfg.Auth.DevTokens)
	}
	if cfg.Scan.Concurrency != 6 || cfg.Scan.QueueDepth != 128 {
		t.Fatalf("expected scan overrides to apply: %+v", cfg.Scan)
	}
	if cfg.Stripe.Prices["pro"] != "price_pro" || !cfg.Stripe.Enabled() {
		t.Fatalf("expected stripe prices to load: %+v", cfg.Stripe)
	}
	if cfg.Tiers["free"].ScansPerMonth != 2 {
		t.Fatalf("expected tier override, got %+v", cfg.Tiers)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected logging.development=false")
	}
	if got := cfg.JobBudget(); got != 45*time.Second {
		t.Fatalf("expected job budget 45s, got %v", got)
	}
	if cfg.XAI.BaseURL != "https://api.x.ai/v1" {
		t.Fatalf("expected xai default base url, got %q", cfg.XAI.BaseURL)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.Storage.Backend != "memory" {
		t.Fatalf("expected memory backends by default, got %q/%q", cfg.Store.Backend, cfg.Storage.Backend)
	}
	if cfg.RequestTimeout() != 60*time.Second {
		t.Fatalf("expected 60s request timeout, got %v", cfg.RequestTimeout())
	}
	if cfg.Scan.MaxAttempts != 2 || cfg.RetryBackoff() != 5*time.Second {
		t.Fatalf("unexpected retry defaults: %d attempts, %v backoff", cfg.Scan.MaxAttempts, cfg.RetryBackoff())
	}
	if cfg.Twitter.Configured() {
		t.Fatal("expected no x api credentials by default")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Scan:   ScanConfig{Concurrency: 1, JobTimeoutSeconds: 10},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Scan.Concurrency = 0
				return c
			}(),
			want: "scan.concurrency",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.bucket",
		},
		{
			name: "firestore without project",
			cfg: func() Config {
				c := base
				c.Store.Backend = "firestore"
				return c
			}(),
			want: "store.project_id",
		},
		{
			name: "short session key",
			cfg: func() Config {
				c := base
				c.Session.EncryptionKey = "c2hvcnQ="
				return c
			}(),
			want: "32 bytes",
		},
		{
			name: "stripe without webhook secret",
			cfg: func() Config {
				c := base
				c.Stripe.SecretKey = "sk_test"
				return c
			}(),
			want: "stripe.webhook_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadReadsSecretsFromEnv(t *testing.T) {
	t.Setenv("FOLLOWLYTICS_DATABASE_DSN", "postgres://db/followlytics")
	t.Setenv("FOLLOWLYTICS_APIFY_TOKEN", "apify-token")
	t.Setenv("FOLLOWLYTICS_RESEND_API_KEY", "re_123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DSN != "postgres://db/followlytics" {
		t.Fatalf("expected dsn from env, got %q", cfg.Database.DSN)
	}
	if cfg.Apify.Token != "apify-token" || cfg.Resend.APIKey != "re_123" {
		t.Fatalf("expected vendor secrets from env, got %q/%q", cfg.Apify.Token, cfg.Resend.APIKey)
	}
}
