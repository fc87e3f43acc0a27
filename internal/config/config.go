// Package config loads and validates service configuration via Viper.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Application ApplicationConfig `mapstructure:"application"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Store       StoreConfig       `mapstructure:"store"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Scan        ScanConfig        `mapstructure:"scan"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Session     SessionConfig     `mapstructure:"session"`
	Stripe      StripeConfig      `mapstructure:"stripe"`
	Apify       ApifyConfig       `mapstructure:"apify"`
	Twitter     TwitterConfig     `mapstructure:"twitter"`
	Daytona     DaytonaConfig     `mapstructure:"daytona"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Profile     ProfileConfig     `mapstructure:"profile"`
	OpenAI      LLMConfig         `mapstructure:"openai"`
	XAI         LLMConfig         `mapstructure:"xai"`
	Gamma       GammaConfig       `mapstructure:"gamma"`
	Resend      ResendConfig      `mapstructure:"resend"`

	Tiers map[string]TierLimits `mapstructure:"tiers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	RequestTimeout int `mapstructure:"request_timeout_seconds"`
}

// ApplicationConfig describes the deployment for telemetry resources.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// AuthConfig selects how ID tokens are verified.
type AuthConfig struct {
	FirebaseProjectID string            `mapstructure:"firebase_project_id"`
	CredentialsFile   string            `mapstructure:"credentials_file"`
	DevTokens         map[string]string `mapstructure:"dev_tokens"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
}

// DatabaseConfig controls the Postgres pool used for follower snapshots.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// AutoMigrate applies the snapshot schema at startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// StorageConfig sets the backend and paths for export blobs.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScanConfig governs the worker pool and scan defaults.
type ScanConfig struct {
	Concurrency       int    `mapstructure:"concurrency"`
	QueueDepth        int    `mapstructure:"queue_depth"`
	JobTimeoutSeconds int    `mapstructure:"job_timeout_seconds"`
	DefaultMethod     string `mapstructure:"default_method"`
	// MaxAttempts is how many times a failed extraction is tried.
	MaxAttempts         int `mapstructure:"max_attempts"`
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds"`
}

// RateLimitConfig configures outbound vendor throttling.
type RateLimitConfig struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
	// Vendors overrides the default per vendor key (twitter, apify, daytona, gamma).
	Vendors map[string]VendorLimit `mapstructure:"vendors"`
}

// VendorLimit is the request budget of one vendor.
type VendorLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ProgressConfig controls the progress hub.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	BufferSize    int  `mapstructure:"buffer_size"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
	Batch         struct {
		MaxEvents int `mapstructure:"max_events"`
		MaxWaitMs int `mapstructure:"max_wait_ms"`
	} `mapstructure:"batch"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SessionConfig holds the key used to seal captured sessions.
type SessionConfig struct {
	// EncryptionKey is a base64-encoded 32-byte AES key.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// StripeConfig configures billing.
type StripeConfig struct {
	SecretKey     string            `mapstructure:"secret_key"`
	WebhookSecret string            `mapstructure:"webhook_secret"`
	Prices        map[string]string `mapstructure:"prices"`
	SuccessURL    string            `mapstructure:"success_url"`
	CancelURL     string            `mapstructure:"cancel_url"`
	PortalReturn  string            `mapstructure:"portal_return_url"`
}

// Enabled reports whether billing is configured.
func (s StripeConfig) Enabled() bool { return s.SecretKey != "" }

// ApifyConfig configures the Apify actor extractor.
type ApifyConfig struct {
	Token               string `mapstructure:"token"`
	BaseURL             string `mapstructure:"base_url"`
	ActorID             string `mapstructure:"actor_id"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
}

// TwitterConfig configures the X API extractor.
type TwitterConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	BearerToken       string `mapstructure:"bearer_token"`
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret"`
	TokenURL          string `mapstructure:"token_url"`
	ConsumerKey       string `mapstructure:"consumer_key"`
	ConsumerSecret    string `mapstructure:"consumer_secret"`
	AccessToken       string `mapstructure:"access_token"`
	AccessTokenSecret string `mapstructure:"access_token_secret"`
}

// Configured reports whether any credential set is present.
func (t TwitterConfig) Configured() bool {
	return t.BearerToken != "" ||
		(t.ClientID != "" && t.ClientSecret != "") ||
		(t.ConsumerKey != "" && t.ConsumerSecret != "" && t.AccessToken != "" && t.AccessTokenSecret != "")
}

// DaytonaConfig configures the sandbox extractor.
type DaytonaConfig struct {
	APIKey               string `mapstructure:"api_key"`
	BaseURL              string `mapstructure:"base_url"`
	Image                string `mapstructure:"image"`
	WorkDir              string `mapstructure:"work_dir"`
	PollIntervalSeconds  int    `mapstructure:"poll_interval_seconds"`
	ResultTimeoutSeconds int    `mapstructure:"result_timeout_seconds"`
}

// BrowserConfig configures the local headless extractor.
type BrowserConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	IdleRounds        int    `mapstructure:"idle_rounds"`
}

// ProfileConfig configures the public profile probe.
type ProfileConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LLMConfig configures an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// GammaConfig configures presentation generation.
type GammaConfig struct {
	APIKey              string `mapstructure:"api_key"`
	BaseURL             string `mapstructure:"base_url"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
}

// ResendConfig configures transactional email.
type ResendConfig struct {
	APIKey string `mapstructure:"api_key"`
	From   string `mapstructure:"from"`
	// AppURL is linked from notification emails.
	AppURL string `mapstructure:"app_url"`
}

// TierLimits overrides the built-in per-tier limits.
type TierLimits struct {
	MaxFollowersPerScan int `mapstructure:"max_followers_per_scan"`
	ScansPerMonth       int `mapstructure:"scans_per_month"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FOLLOWLYTICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("application.service_name", "followlytics")
	v.SetDefault("application.version", "dev")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "exports")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.queue_depth", 64)
	v.SetDefault("scan.job_timeout_seconds", 900)
	v.SetDefault("scan.default_method", "api")
	v.SetDefault("scan.max_attempts", 2)
	v.SetDefault("scan.retry_backoff_seconds", 5)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("apify.base_url", "https://api.apify.com")
	v.SetDefault("apify.actor_id", "apidojo~twitter-user-scraper")
	v.SetDefault("apify.poll_interval_seconds", 5)
	v.SetDefault("twitter.base_url", "https://api.twitter.com")
	v.SetDefault("twitter.token_url", "https://api.twitter.com/oauth2/token")
	v.SetDefault("daytona.base_url", "https://app.daytona.io/api")
	v.SetDefault("daytona.image", "followlytics/scraper:latest")
	v.SetDefault("daytona.work_dir", "/home/daytona")
	v.SetDefault("daytona.poll_interval_seconds", 5)
	v.SetDefault("daytona.result_timeout_seconds", 600)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("browser.nav_timeout_seconds", 300)
	v.SetDefault("browser.idle_rounds", 4)
	v.SetDefault("profile.enabled", true)
	v.SetDefault("profile.base_url", "https://x.com")
	v.SetDefault("profile.user_agent", "Twitterbot/1.0")
	v.SetDefault("profile.timeout_seconds", 10)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("xai.base_url", "https://api.x.ai/v1")
	v.SetDefault("xai.model", "grok-2-latest")
	v.SetDefault("gamma.base_url", "https://public-api.gamma.app/v0.2")
	v.SetDefault("gamma.poll_interval_seconds", 5)
	v.SetDefault("resend.from", "Followlytics <reports@followlytics.app>")
	v.SetDefault("resend.app_url", "https://followlytics.app")
}

// envKeys have no default but must still be readable from the environment,
// since Unmarshal only sees keys viper already knows about.
var envKeys = []string{
	"application.project_id",
	"auth.firebase_project_id",
	"auth.credentials_file",
	"store.project_id",
	"database.dsn",
	"database.auto_migrate",
	"storage.bucket",
	"storage.local_dir",
	"pubsub.project_id",
	"pubsub.topic_name",
	"session.encryption_key",
	"stripe.secret_key",
	"stripe.webhook_secret",
	"stripe.success_url",
	"stripe.cancel_url",
	"stripe.portal_return_url",
	"apify.token",
	"twitter.bearer_token",
	"twitter.client_id",
	"twitter.client_secret",
	"twitter.consumer_key",
	"twitter.consumer_secret",
	"twitter.access_token",
	"twitter.access_token_secret",
	"daytona.api_key",
	"openai.api_key",
	"openai.base_url",
	"xai.api_key",
	"gamma.api_key",
	"resend.api_key",
}

func bindEnv(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan.concurrency must be > 0")
	}
	if c.Scan.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("scan.job_timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	case "memory", "":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Store.Backend {
	case "firestore":
		if c.FirestoreProject() == "" {
			return fmt.Errorf("store.project_id must be set when store.backend is firestore")
		}
	case "memory", "":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Session.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Session.EncryptionKey)
		if err != nil {
			return fmt.Errorf("session.encryption_key must be base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("session.encryption_key must decode to 32 bytes, got %d", len(key))
		}
	}
	if c.Stripe.Enabled() && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe.webhook_secret must be set when stripe is enabled")
	}
	return nil
}

// FirestoreProject resolves the project used for the document store.
func (c Config) FirestoreProject() string {
	if c.Store.ProjectID != "" {
		return c.Store.ProjectID
	}
	return c.Auth.FirebaseProjectID
}

// JobBudget is the wall-clock limit for one scan.
func (c Config) JobBudget() time.Duration {
	return time.Duration(c.Scan.JobTimeoutSeconds) * time.Second
}

// RetryBackoff is the pause between extraction attempts.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Scan.RetryBackoffSeconds) * time.Second
}

// RequestTimeout bounds HTTP handler execution.
func (c Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Server.RequestTimeout) * time.Second
}
