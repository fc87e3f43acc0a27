// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/analysis"
	"github.com/followlytics/followlytics/internal/api"
	"github.com/followlytics/followlytics/internal/auth"
	"github.com/followlytics/followlytics/internal/auth/firebase"
	stripebilling "github.com/followlytics/followlytics/internal/billing/stripe"
	"github.com/followlytics/followlytics/internal/clock/system"
	"github.com/followlytics/followlytics/internal/config"
	"github.com/followlytics/followlytics/internal/dispatcher"
	"github.com/followlytics/followlytics/internal/extractor"
	"github.com/followlytics/followlytics/internal/extractor/apify"
	"github.com/followlytics/followlytics/internal/extractor/browser"
	"github.com/followlytics/followlytics/internal/extractor/sandbox"
	"github.com/followlytics/followlytics/internal/extractor/twitterapi"
	"github.com/followlytics/followlytics/internal/followlytics"
	"github.com/followlytics/followlytics/internal/hash/sha256"
	"github.com/followlytics/followlytics/internal/id/uuid"
	"github.com/followlytics/followlytics/internal/logging"
	resendmail "github.com/followlytics/followlytics/internal/notify/resend"
	"github.com/followlytics/followlytics/internal/policy/ratelimit"
	"github.com/followlytics/followlytics/internal/profile"
	"github.com/followlytics/followlytics/internal/progress"
	progresssinks "github.com/followlytics/followlytics/internal/progress/sinks"
	memorypublisher "github.com/followlytics/followlytics/internal/publisher/memory"
	gcppublisher "github.com/followlytics/followlytics/internal/publisher/pubsub"
	queueMemory "github.com/followlytics/followlytics/internal/queue/memory"
	"github.com/followlytics/followlytics/internal/scan"
	"github.com/followlytics/followlytics/internal/session"
	firestorestore "github.com/followlytics/followlytics/internal/storage/firestore"
	gcsstorage "github.com/followlytics/followlytics/internal/storage/gcs"
	localstorage "github.com/followlytics/followlytics/internal/storage/local"
	memoryStorage "github.com/followlytics/followlytics/internal/storage/memory"
	pgstore "github.com/followlytics/followlytics/internal/storage/postgres"
	"github.com/followlytics/followlytics/internal/telemetry"
	"github.com/followlytics/followlytics/internal/tier"
	"github.com/followlytics/followlytics/internal/worker"
)

// metricsRegisterer receives the progress collectors.
var metricsRegisterer prometheus.Registerer = prometheus.DefaultRegisterer

// stores groups the record stores selected by configuration.
type stores struct {
	users     followlytics.UserStore
	scans     followlytics.ScanStore
	sessions  followlytics.SessionStore
	reports   followlytics.ReportStore
	snapshots followlytics.SnapshotStore
	progress  progresssinks.ProgressWriter
}

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	scans           *scan.Service
	reports         *analysis.Service
	progressHub     *progress.Hub
	queue           *queueMemory.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	firestore       *firestorestore.Store
	snapshotStore   *pgstore.SnapshotStore
	browser         *browser.Extractor
	checks          map[string]api.ReadyCheck
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StoreBackend   string `json:"store_backend"`
		StorageBackend string `json:"storage_backend"`
		Concurrency    int    `json:"concurrency"`
		DefaultMethod  string `json:"default_method"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StoreBackend:   cfg.Store.Backend,
		StorageBackend: cfg.Storage.Backend,
		Concurrency:    cfg.Scan.Concurrency,
		DefaultMethod:  cfg.Scan.DefaultMethod,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]api.ReadyCheck),
	}, nil
}

// Checks returns the readiness probes of the configured backends.
func (a *App) Checks() map[string]api.ReadyCheck {
	return a.checks
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.recoverWork(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return err
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// recoverWork puts scans and reports that a previous process left open back
// on the queue, or fails them, before any worker starts.
func (a *App) recoverWork(ctx context.Context) error {
	if a.scans != nil {
		if _, err := a.scans.Recover(ctx); err != nil {
			return fmt.Errorf("recover scans: %w", err)
		}
	}
	if a.reports != nil {
		if _, err := a.reports.Recover(ctx); err != nil {
			return fmt.Errorf("recover reports: %w", err)
		}
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.firestore != nil {
		if err := a.firestore.Close(); err != nil {
			a.logger.Warn("firestore client close failed", zap.Error(err))
		}
	}
	if a.snapshotStore != nil {
		a.snapshotStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Application.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")
	clock := system.New()
	ids := uuid.New()

	st, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupDatabase(ctx, app, &st); err != nil {
		return nil, err
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	progressEmitter, err := setupProgress(ctx, app, st.progress)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewService(st.sessions, clock, cfg.Session.EncryptionKey, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("session service init failed: %w", err)
	}

	limiter := setupRateLimiter(app)
	registry, err := setupExtractors(ctx, app, limiter, sessions)
	if err != nil {
		return nil, err
	}

	gate := tier.NewGate(tierOverrides(cfg.Tiers))
	app.queue = queueMemory.NewQueue(cfg.Scan.QueueDepth)
	tracker := scan.NewTracker()

	scans := scan.NewService(scan.Deps{
		Scans:         st.scans,
		Users:         st.users,
		Snapshots:     st.snapshots,
		Queue:         app.queue,
		Gate:          gate,
		Methods:       registry,
		Tracker:       tracker,
		IDs:           ids,
		Clock:         clock,
		DefaultMethod: followlytics.ScanMethod(cfg.Scan.DefaultMethod),
		Logger:        logger.Named("scan"),
	})

	reports, err := setupAnalysis(app, st, gate, ids, clock)
	if err != nil {
		return nil, err
	}
	app.scans, app.reports = scans, reports

	mailer, err := setupMailer(app)
	if err != nil {
		return nil, err
	}

	app.dispatch = setupDispatcher(app, worker.Deps{
		Queue:      app.queue,
		Scans:      st.scans,
		Users:      st.users,
		Snapshots:  st.snapshots,
		Blobs:      blobStore,
		Publisher:  publisher,
		Hasher:     sha256.New(),
		Clock:      clock,
		Extractors: registry,
		Prober:     setupProber(app, limiter),
		Mailer:     mailer,
		Reports:    reports,
		Progress:   progressEmitter,
		Tracker:    tracker,
	})

	verifier, err := setupVerifier(ctx, app)
	if err != nil {
		return nil, err
	}
	authMW := auth.NewMiddleware(verifier, st.users, clock, logger.Named("auth"))

	apiDeps := api.Deps{
		Scans:    scans,
		Reports:  reports,
		Sessions: sessions,
		Gate:     gate,
		Clock:    clock,
		Auth:     authMW.RequireUser,
		Methods:  registry.Methods,
		Checks:   app.checks,
	}
	billing, err := setupBilling(app, st.users)
	if err != nil {
		return nil, err
	}
	if billing != nil {
		apiDeps.Billing = billing
	}
	app.apiServer = api.NewServer(apiDeps, cfg.RequestTimeout(), logger.Named("api"))

	return app, nil
}

func setupStores(ctx context.Context, app *App) (stores, error) {
	switch app.cfg.Store.Backend {
	case "firestore":
		project := app.cfg.FirestoreProject()
		fsStore, err := firestorestore.New(ctx, project)
		if err != nil {
			return stores{}, fmt.Errorf("firestore init failed: %w", err)
		}
		app.firestore = fsStore
		app.checks["firestore"] = fsStore.Ping
		app.logger.Info("using firestore document store", zap.String("project", project))
		return stores{
			users:     fsStore,
			scans:     fsStore,
			sessions:  fsStore,
			reports:   fsStore,
			snapshots: memoryStorage.NewSnapshotStore(),
			progress:  fsStore,
		}, nil
	default:
		app.logger.Info("using in-memory document store")
		scans := memoryStorage.NewScanStore()
		return stores{
			users:     memoryStorage.NewUserStore(),
			scans:     scans,
			sessions:  memoryStorage.NewSessionStore(),
			reports:   memoryStorage.NewReportStore(),
			snapshots: memoryStorage.NewSnapshotStore(),
			progress:  scans,
		}, nil
	}
}

func setupDatabase(ctx context.Context, app *App, st *stores) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping follower snapshots in memory")
		return nil
	}
	snapshots, err := pgstore.NewSnapshotStore(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("snapshot store init failed: %w", err)
	}
	if app.cfg.Database.AutoMigrate {
		if err := snapshots.Migrate(ctx); err != nil {
			snapshots.Close()
			return fmt.Errorf("snapshot schema migration failed: %w", err)
		}
		app.logger.Info("snapshot schema applied")
	}
	app.snapshotStore = snapshots
	app.checks["postgres"] = snapshots.Ping
	st.snapshots = snapshots
	app.logger.Info("postgres snapshot store initialized")
	return nil
}

func setupStorage(ctx context.Context, app *App) (followlytics.BlobStore, error) {
	var blobStore followlytics.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		gcsStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket:       app.cfg.Storage.Bucket,
			CacheControl: "private, max-age=0",
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.checks["gcs"] = gcsStore.Ping
		blobStore = gcsStore
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memoryStorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (followlytics.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	writer progresssinks.ProgressWriter,
) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(writer, app.logger.Named("progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(metricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if app.cfg.Progress.LogEnabled {
		sinkList = append(
			sinkList,
			progresssinks.NewLogSink(app.logger.Named("progress_log")),
		)
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupRateLimiter(app *App) *ratelimit.Limiter {
	perKey := make(map[string]ratelimit.Limit, len(app.cfg.RateLimit.Vendors))
	for vendor, l := range app.cfg.RateLimit.Vendors {
		perKey[vendor] = ratelimit.Limit{RPS: l.RPS, Burst: l.Burst}
	}
	app.logger.Info("vendor rate limiter enabled",
		zap.Float64("default_rps", app.cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", app.cfg.RateLimit.DefaultBurst),
		zap.Int("overrides", len(perKey)),
	)
	return ratelimit.New(ratelimit.Config{
		DefaultRPS:   app.cfg.RateLimit.DefaultRPS,
		DefaultBurst: app.cfg.RateLimit.DefaultBurst,
		PerKey:       perKey,
	})
}

//nolint:gocognit // One branch per extraction method.
func setupExtractors(
	ctx context.Context,
	app *App,
	limiter *ratelimit.Limiter,
	sessions *session.Service,
) (*extractor.Registry, error) {
	cfg := app.cfg
	registry := extractor.NewRegistry()

	if cfg.Twitter.Configured() {
		ext, err := twitterapi.New(ctx, twitterapi.Config{
			BaseURL:           cfg.Twitter.BaseURL,
			BearerToken:       cfg.Twitter.BearerToken,
			ClientID:          cfg.Twitter.ClientID,
			ClientSecret:      cfg.Twitter.ClientSecret,
			TokenURL:          cfg.Twitter.TokenURL,
			ConsumerKey:       cfg.Twitter.ConsumerKey,
			ConsumerSecret:    cfg.Twitter.ConsumerSecret,
			AccessToken:       cfg.Twitter.AccessToken,
			AccessTokenSecret: cfg.Twitter.AccessTokenSecret,
		}, limiter, app.logger.Named("twitterapi"))
		if err != nil {
			return nil, fmt.Errorf("x api extractor init failed: %w", err)
		}
		registry.Register(followlytics.MethodAPI, ext)
	}

	if cfg.Apify.Token != "" {
		ext, err := apify.New(apify.Config{
			Token:        cfg.Apify.Token,
			BaseURL:      cfg.Apify.BaseURL,
			ActorID:      cfg.Apify.ActorID,
			PollInterval: time.Duration(cfg.Apify.PollIntervalSeconds) * time.Second,
			Limiter:      limiter,
			Logger:       app.logger.Named("apify"),
		})
		if err != nil {
			return nil, fmt.Errorf("apify extractor init failed: %w", err)
		}
		registry.Register(followlytics.MethodApify, ext)
	}

	if cfg.Daytona.APIKey != "" && sessions.Enabled() {
		ext, err := sandbox.New(sandbox.Config{
			APIKey:        cfg.Daytona.APIKey,
			BaseURL:       cfg.Daytona.BaseURL,
			Image:         cfg.Daytona.Image,
			WorkDir:       cfg.Daytona.WorkDir,
			PollInterval:  time.Duration(cfg.Daytona.PollIntervalSeconds) * time.Second,
			ResultTimeout: time.Duration(cfg.Daytona.ResultTimeoutSeconds) * time.Second,
			Limiter:       limiter,
			Logger:        app.logger.Named("sandbox"),
		}, sessions)
		if err != nil {
			return nil, fmt.Errorf("sandbox extractor init failed: %w", err)
		}
		registry.Register(followlytics.MethodSandbox, ext)
	}

	if cfg.Browser.Enabled && sessions.Enabled() {
		ext, err := browser.New(browser.Config{
			MaxParallel:       cfg.Browser.MaxParallel,
			UserAgent:         cfg.Browser.UserAgent,
			NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
			IdleRounds:        cfg.Browser.IdleRounds,
			Logger:            app.logger.Named("browser"),
		}, sessions)
		if err != nil {
			return nil, fmt.Errorf("browser extractor init failed: %w", err)
		}
		app.browser = ext
		registry.Register(followlytics.MethodBrowser, ext)
	}

	methods := registry.Methods()
	if len(methods) == 0 {
		app.logger.Warn("no extraction method configured, every scan will be rejected")
	} else {
		app.logger.Info("extraction methods configured", zap.Any("methods", methods))
	}
	return registry, nil
}

func setupProber(app *App, limiter *ratelimit.Limiter) followlytics.ProfileProber {
	if !app.cfg.Profile.Enabled {
		app.logger.Info("profile probe disabled")
		return profile.Noop{}
	}
	return profile.New(profile.Config{
		BaseURL:   app.cfg.Profile.BaseURL,
		UserAgent: app.cfg.Profile.UserAgent,
		Timeout:   time.Duration(app.cfg.Profile.TimeoutSeconds) * time.Second,
		Limiter:   limiter,
	})
}

func setupAnalysis(
	app *App,
	st stores,
	gate *tier.Gate,
	ids followlytics.IDGenerator,
	clock followlytics.Clock,
) (*analysis.Service, error) {
	analyzers := make(map[followlytics.ReportProvider]analysis.Analyzer)
	llms := map[followlytics.ReportProvider]config.LLMConfig{
		followlytics.ProviderOpenAI: app.cfg.OpenAI,
		followlytics.ProviderGrok:   app.cfg.XAI,
	}
	for provider, llm := range llms {
		if llm.APIKey == "" {
			continue
		}
		a, err := analysis.NewChatAnalyzer(analysis.LLMConfig{
			APIKey:  llm.APIKey,
			BaseURL: llm.BaseURL,
			Model:   llm.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("%s analyzer init failed: %w", provider, err)
		}
		analyzers[provider] = a
		app.logger.Info("report provider configured", zap.String("provider", string(provider)))
	}

	var presenter analysis.PresentationMaker
	if app.cfg.Gamma.APIKey != "" {
		g, err := analysis.NewGamma(analysis.GammaConfig{
			APIKey:       app.cfg.Gamma.APIKey,
			BaseURL:      app.cfg.Gamma.BaseURL,
			PollInterval: time.Duration(app.cfg.Gamma.PollIntervalSeconds) * time.Second,
			Logger:       app.logger.Named("gamma"),
		})
		if err != nil {
			return nil, fmt.Errorf("gamma init failed: %w", err)
		}
		presenter = g
	}

	return analysis.NewService(analysis.Deps{
		Reports:   st.reports,
		Scans:     st.scans,
		Snapshots: st.snapshots,
		Queue:     app.queue,
		Gate:      gate,
		Analyzers: analyzers,
		Presenter: presenter,
		IDs:       ids,
		Clock:     clock,
		Logger:    app.logger.Named("analysis"),
	}), nil
}

func setupMailer(app *App) (followlytics.Mailer, error) {
	if app.cfg.Resend.APIKey == "" {
		app.logger.Info("email notifications disabled")
		return resendmail.Noop{}, nil
	}
	m, err := resendmail.New(resendmail.Config{
		APIKey: app.cfg.Resend.APIKey,
		From:   app.cfg.Resend.From,
		AppURL: app.cfg.Resend.AppURL,
	}, app.logger.Named("resend"))
	if err != nil {
		return nil, fmt.Errorf("resend mailer init failed: %w", err)
	}
	return m, nil
}

func setupBilling(app *App, users followlytics.UserStore) (*stripebilling.Service, error) {
	if !app.cfg.Stripe.Enabled() {
		app.logger.Info("billing disabled")
		return nil, nil
	}
	svc, err := stripebilling.New(stripebilling.Config{
		SecretKey:       app.cfg.Stripe.SecretKey,
		WebhookSecret:   app.cfg.Stripe.WebhookSecret,
		Prices:          app.cfg.Stripe.Prices,
		SuccessURL:      app.cfg.Stripe.SuccessURL,
		CancelURL:       app.cfg.Stripe.CancelURL,
		PortalReturnURL: app.cfg.Stripe.PortalReturn,
	}, users, app.logger.Named("billing"))
	if err != nil {
		return nil, fmt.Errorf("billing init failed: %w", err)
	}
	return svc, nil
}

func setupVerifier(ctx context.Context, app *App) (followlytics.TokenVerifier, error) {
	if len(app.cfg.Auth.DevTokens) > 0 {
		app.logger.Warn("using static development tokens", zap.Int("tokens", len(app.cfg.Auth.DevTokens)))
		return auth.NewDevVerifier(app.cfg.Auth.DevTokens), nil
	}
	v, err := firebase.New(ctx, firebase.Config{
		ProjectID:       app.cfg.Auth.FirebaseProjectID,
		CredentialsFile: app.cfg.Auth.CredentialsFile,
	})
	if err != nil {
		return nil, fmt.Errorf("firebase verifier init failed: %w", err)
	}
	return v, nil
}

func setupDispatcher(app *App, deps worker.Deps) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		ContentType:  app.cfg.Storage.ContentType,
		BlobPrefix:   app.cfg.Storage.Prefix,
		Topic:        app.cfg.PubSub.TopicName,
		JobTimeout:   app.cfg.JobBudget(),
		MaxAttempts:  app.cfg.Scan.MaxAttempts,
		RetryBackoff: app.cfg.RetryBackoff(),
	}
	app.logger.Info("worker config",
		zap.String("content_type", workerCfg.ContentType),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Int("max_attempts", workerCfg.MaxAttempts),
		zap.Duration("retry_backoff", workerCfg.RetryBackoff),
	)
	return dispatcher.NewPool(app.queue, app.cfg.Scan.Concurrency, func(i int) dispatcher.Runner {
		return worker.New(deps, workerCfg, app.logger.Named("worker").With(zap.Int("index", i)))
	}, app.logger.Named("dispatcher"))
}

func tierOverrides(in map[string]config.TierLimits) map[followlytics.Tier]tier.Limits {
	out := make(map[followlytics.Tier]tier.Limits, len(in))
	for name, l := range in {
		out[followlytics.Tier(name)] = tier.Limits{
			MaxFollowersPerScan: l.MaxFollowersPerScan,
			ScansPerMonth:       l.ScansPerMonth,
		}
	}
	return out
}
