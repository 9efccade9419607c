// Package server builds the fetch engine from configuration and runs it
// behind the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/api"
	"github.com/JakeFAU/ghostfetch/internal/browser/headless"
	"github.com/JakeFAU/ghostfetch/internal/browser/plain"
	"github.com/JakeFAU/ghostfetch/internal/clock/system"
	"github.com/JakeFAU/ghostfetch/internal/config"
	"github.com/JakeFAU/ghostfetch/internal/dispatcher"
	"github.com/JakeFAU/ghostfetch/internal/domaingate"
	"github.com/JakeFAU/ghostfetch/internal/events"
	"github.com/JakeFAU/ghostfetch/internal/fetcher"
	"github.com/JakeFAU/ghostfetch/internal/hash/sha256"
	"github.com/JakeFAU/ghostfetch/internal/id/uuid"
	"github.com/JakeFAU/ghostfetch/internal/job"
	"github.com/JakeFAU/ghostfetch/internal/metrics"
	"github.com/JakeFAU/ghostfetch/internal/notify"
	"github.com/JakeFAU/ghostfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/ghostfetch/internal/proxy"
	"github.com/JakeFAU/ghostfetch/internal/reaper"
	"github.com/JakeFAU/ghostfetch/internal/retry"
	"github.com/JakeFAU/ghostfetch/internal/session"
	gcsstorage "github.com/JakeFAU/ghostfetch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ghostfetch/internal/storage/local"
	memorystorage "github.com/JakeFAU/ghostfetch/internal/storage/memory"
	pgstore "github.com/JakeFAU/ghostfetch/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/ghostfetch/internal/storage/sqlite"
	"github.com/JakeFAU/ghostfetch/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     job.Clock
	store     job.Store
	pool      *session.Pool
	proxies   *proxy.Manager
	events    *events.Broker
	notifier  *notify.Dispatcher
	dispatch  *dispatcher.Dispatcher
	reaper    *reaper.Reaper
	apiServer *api.Server
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. On error everything opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("capacity", cfg.Pool.Capacity),
		zap.String("store", cfg.Store.Driver),
		zap.String("backend", cfg.Session.Backend),
		zap.String("archive", cfg.Archive.Driver),
	)

	if err = app.setupTracing(ctx); err != nil {
		return nil, err
	}
	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupProxies(); err != nil {
		return nil, err
	}
	app.pool = session.NewPool(app.backend(), session.Config{
		Capacity:     cfg.Pool.Capacity,
		RecycleAfter: cfg.Pool.RecycleAfter,
	}, logger.Named("session"))
	app.onClose("session pool", func() error { app.pool.Close(); return nil })

	app.events = events.NewBroker(0, logger.Named("events"))
	app.onClose("event broker", func() error { app.events.Close(); return nil })

	if err = app.setupNotifier(ctx); err != nil {
		return nil, err
	}
	if err = app.setupDispatcher(archive); err != nil {
		return nil, err
	}

	app.reaper, err = reaper.New(app.store, cfg.Jobs.TTL, cfg.Reaper.Schedule, logger.Named("reaper"))
	if err != nil {
		return nil, fmt.Errorf("reaper init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.dispatch, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Intake:         ratelimit.New(ratelimit.Config{RPS: cfg.Server.IntakeRPS, Burst: cfg.Server.IntakeBurst}),
		Events:         app.events,
	}, logger.Named("api"))

	return app, nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupTracing(ctx context.Context) error {
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     a.cfg.Tracing.Enabled,
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	if tp == nil {
		return nil
	}
	a.onClose("tracer provider", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	ids := uuid.New()
	switch a.cfg.Store.Driver {
	case "memory":
		a.logger.Warn("using in-memory job store; jobs do not survive a restart")
		a.store = memorystorage.NewJobStore(a.clock, ids)
	case "postgres":
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:   a.cfg.Store.DSN,
			Table: a.cfg.Store.Table,
		}, a.clock, ids)
		if err != nil {
			return fmt.Errorf("postgres job store init failed: %w", err)
		}
		a.store = store
		a.onClose("postgres job store", func() error { store.Close(); return nil })
		a.logger.Info("postgres job store initialized", zap.String("table", a.cfg.Store.Table))
	default:
		store, err := sqlitestore.Open(ctx, a.cfg.Store.DSN, a.clock, ids)
		if err != nil {
			return fmt.Errorf("sqlite job store init failed: %w", err)
		}
		a.store = store
		a.onClose("sqlite job store", store.Close)
		a.logger.Info("sqlite job store initialized", zap.String("path", a.cfg.Store.DSN))
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (job.BlobStore, error) {
	switch a.cfg.Archive.Driver {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs client", client.Close)
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Archive.Bucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Archive.LocalDir))
		return blobs, nil
	default:
		return nil, nil
	}
}

func (a *App) setupProxies() error {
	strategy, err := proxy.ParseStrategy(a.cfg.Proxy.Strategy)
	if err != nil {
		return fmt.Errorf("proxy strategy: %w", err)
	}
	list, err := proxy.LoadFile(a.cfg.Proxy.File)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	a.proxies = proxy.NewManager(list, strategy, a.logger.Named("proxy"))
	if a.proxies.Len() == 0 {
		a.logger.Info("no proxies configured; connecting directly")
	} else {
		a.logger.Info("proxies loaded", zap.Int("count", a.proxies.Len()), zap.String("strategy", a.cfg.Proxy.Strategy))
	}
	return nil
}

func (a *App) backend() session.Backend {
	s := a.cfg.Session
	if s.Backend == "plain" {
		return plain.New(plain.Config{UserAgent: s.UserAgent, NavigationTimeout: s.NavigationTimeout}, a.proxies)
	}
	return headless.New(headless.Config{
		Headless:          s.Headless,
		UserAgent:         s.UserAgent,
		SettleDelay:       s.SettleDelay,
		NavigationTimeout: s.NavigationTimeout,
		ExecPath:          s.ExecPath,
	}, a.proxies, a.logger.Named("chrome"))
}

func (a *App) setupNotifier(ctx context.Context) error {
	router := notify.NewRouter(notify.NewWebhook(nil, a.cfg.Notify.Timeout))
	if a.cfg.PubSub.ProjectID != "" {
		ps, err := notify.DialPubSub(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub notifier init failed: %w", err)
		}
		router.Handle("pubsub", ps)
		a.onClose("pubsub notifier", ps.Close)
		a.logger.Info("pubsub callbacks enabled", zap.String("project", a.cfg.PubSub.ProjectID))
	}
	a.notifier = notify.NewDispatcher(notify.Config{
		MaxAttempts: a.cfg.Notify.MaxAttempts,
		BaseDelay:   a.cfg.Notify.BaseDelay,
		Timeout:     a.cfg.Notify.Timeout,
		QueueDepth:  a.cfg.Notify.QueueDepth,
		Workers:     a.cfg.Notify.Workers,
	}, router, a.store, a.clock, a.logger.Named("notify"))
	return nil
}

func (a *App) setupDispatcher(archive job.BlobStore) error {
	worker := fetcher.New(fetcher.Config{
		Proxies: a.proxies,
		Archive: archive,
		Hasher:  sha256.New(),
		Logger:  a.logger.Named("fetcher"),
	})
	var err error
	a.dispatch, err = dispatcher.New(dispatcher.Config{
		Workers:            a.cfg.Pool.Capacity,
		AttemptTimeout:     a.cfg.Worker.AttemptTimeout,
		PollInterval:       a.cfg.Worker.PollInterval,
		SyncDefaultTimeout: a.cfg.Sync.DefaultTimeout,
		SyncMaxTimeout:     a.cfg.Sync.MaxTimeout,
	}, dispatcher.Deps{
		Store:  a.store,
		Gate:   domaingate.New(a.cfg.Pacing.MinSpacing, a.clock),
		Pool:   a.pool,
		Worker: worker,
		Retry: retry.Policy{
			Base:        a.cfg.Retry.BaseDelay,
			Max:         a.cfg.Retry.MaxDelay,
			MaxAttempts: a.cfg.Worker.MaxAttempts,
		},
		Notifier: a.notifier,
		Events:   a.events,
		Clock:    a.clock,
		Logger:   a.logger.Named("dispatcher"),
	})
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	a.logger.Info("dispatcher config",
		zap.Int("workers", a.cfg.Pool.Capacity),
		zap.Duration("min_spacing", a.cfg.Pacing.MinSpacing),
		zap.Duration("attempt_timeout", a.cfg.Worker.AttemptTimeout),
		zap.Int("max_attempts", a.cfg.Worker.MaxAttempts),
	)
	return nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Dispatcher exposes the engine for in-process callers.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Start launches the dispatcher, notifier and reaper. The returned function
// blocks until all of them have stopped after ctx ends.
func (a *App) Start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	wg.Go(func() {
		a.logger.Info("dispatcher started")
		if err := a.dispatch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("dispatcher stopped", zap.Error(err))
		}
	})
	wg.Go(func() {
		a.notifier.Run(ctx)
	})
	wg.Go(func() {
		if err := a.reaper.Start(ctx); err != nil {
			a.logger.Error("reaper stopped", zap.Error(err))
		}
	})
	return wg.Wait
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wait := a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
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
	wait()
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Fetch runs one job to completion without the HTTP server.
func (a *App) Fetch(ctx context.Context, target string, timeout time.Duration) (job.Job, error) {
	runCtx, cancel := context.WithCancel(ctx)
	wait := a.Start(runCtx)
	defer func() {
		cancel()
		wait()
	}()
	j, err := a.dispatch.SubmitAndWait(ctx, job.Request{Target: target}, timeout)
	if err != nil {
		return j, fmt.Errorf("fetch %s: %w", target, err)
	}
	return j, nil
}

// Close gracefully shuts down the application in reverse build order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
