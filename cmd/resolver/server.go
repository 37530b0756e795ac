package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/api"
	"github.com/verana-labs/trust-resolver/pkg/cache"
	"github.com/verana-labs/trust-resolver/pkg/config"
	"github.com/verana-labs/trust-resolver/pkg/credential"
	"github.com/verana-labs/trust-resolver/pkg/did"
	"github.com/verana-labs/trust-resolver/pkg/observability"
	"github.com/verana-labs/trust-resolver/pkg/resolver"
	"github.com/verana-labs/trust-resolver/pkg/state"
	"github.com/verana-labs/trust-resolver/pkg/trust"
	"github.com/verana-labs/trust-resolver/pkg/vp"
	"github.com/verana-labs/trust-resolver/pkg/vpr"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// app bundles everything the server wires together.
type app struct {
	cfg     *config.Config
	store   state.Store
	lock    state.LeaderLock
	objects cache.ObjectCache
	indexer *vpr.Client
	obs     *observability.Provider
	poller  *resolver.Poller
	api     *api.Server
}

func runServer() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := observability.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	logger.Info("trust resolver starting",
		"version", version,
		"network", cfg.Network,
		"role", string(cfg.Role),
		"lite_mode", cfg.LiteMode(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.shutdown(logger)

	pollErr := make(chan error, 1)
	if cfg.Role == config.RoleLeader {
		go func() { pollErr <- a.poller.Run(ctx) }()
	} else {
		logger.Info("reader instance: polling disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("query api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-pollErr:
		if err != nil {
			logger.Error("poller stopped", "error", err)
			exit = 1
		}
	case err := <-httpErr:
		logger.Error("http server failed", "error", err)
		exit = 1
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return exit
}

// runSync performs a single poll cycle and exits. Meant for cron-driven
// lite deployments and for debugging.
func runSync(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := observability.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.shutdown(logger)

	held, err := a.lock.TryAcquire(ctx)
	if err != nil {
		logger.Error("leader lock check failed", "error", err)
		return 1
	}
	if !held {
		fmt.Fprintln(stderr, "another instance holds the leader lock")
		return 1
	}
	defer func() { _ = a.lock.Release(context.WithoutCancel(ctx)) }()

	a.poller.Cycle(ctx)

	block, err := a.store.LastProcessedBlock(ctx)
	if err != nil {
		logger.Error("cursor read failed", "error", err)
		return 1
	}
	fmt.Fprintf(stdout, "synced to block %d\n", block)
	return 0
}

// buildApp constructs the full dependency graph: telemetry, state store,
// leader lock, object cache, indexer client, dereference pipeline,
// evaluator, poller, and query API.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.OTELEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		obsCfg.ServiceVersion = version
		obsCfg.Environment = cfg.Environment
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obs, err := observability.New(ctx, obsCfg)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.obs = obs
		logger.Info("telemetry: otlp export enabled", "endpoint", cfg.OTLPEndpoint)
	}

	var db *sql.DB
	var err error
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
		path := filepath.Join(cfg.DataDir, "resolver.db")
		db, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serves one process; leadership is decided locally.
		a.lock = state.StaticLeader(cfg.Role == config.RoleLeader)
		logger.Info("state store: sqlite (lite mode)", "path", path)
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
		if cfg.Role == config.RoleLeader {
			a.lock = state.NewAdvisoryLock(db, logger)
		} else {
			a.lock = state.StaticLeader(false)
		}
		logger.Info("state store: postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	store := state.NewSQLStore(db, logger)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state store: %w", err)
	}
	a.store = store

	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCacheURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("object cache: %w", err)
		}
		a.objects = rc
		logger.Info("object cache: redis")
	} else {
		a.objects = cache.NewMemoryCache(0)
		logger.Info("object cache: in-process")
	}

	a.indexer = vpr.NewClient(vpr.ClientConfig{
		BaseURL: cfg.IndexerURL,
		Timeout: cfg.HTTPFetchTimeout,
		MemoTTL: 5 * time.Minute,
		Logger:  logger,
	})
	events := vpr.NewWSEvents(cfg.EventsURL(), logger)

	web := did.NewWebResolver(did.WithHTTPClient(&http.Client{Timeout: cfg.HTTPFetchTimeout}))
	docs := did.NewCachedResolver(did.NewMethodResolver(web), a.objects, cfg.ObjectCacheTTL, logger)
	vps := vp.NewDereferencer(a.objects, cfg.ObjectCacheTTL, logger,
		vp.WithHTTPClient(&http.Client{Timeout: cfg.HTTPFetchTimeout}))

	keys := &credential.DIDKeyResolver{Docs: docs}
	evaluator := credential.NewEvaluator(credential.EvaluatorConfig{
		Keys:       keys,
		Integrity:  credential.NewDataIntegrityVerifier(keys, nil),
		Schemas:    credential.NewSchemaResolver(a.indexer, logger),
		Indexer:    a.indexer,
		Digests:    cfg.EcsDigests,
		DisableSRI: cfg.DisableDigestSRI,
		Logger:     logger,
	})

	trustResolver := trust.New(trust.Config{
		Docs:          docs,
		Presentations: vps,
		Evaluator:     evaluator,
		Logger:        logger,
	})

	a.poller = resolver.New(resolver.Config{
		Store:             a.store,
		Lock:              a.lock,
		Indexer:           a.indexer,
		Events:            events,
		Docs:              docs,
		Presentations:     vps,
		Trust:             trustResolver,
		AllowedEcosystems: cfg.AllowedEcosystemDids,
		PollInterval:      cfg.PollInterval,
		TrustTTL:          cfg.TrustTTL,
		RefreshWindow:     cfg.RefreshWindow(),
		Retention:         cfg.Retention(),
		Logger:            logger,
		Metrics:           a.obs,
	})

	a.api = api.New(api.Config{
		Store:                 a.store,
		Indexer:               a.indexer,
		Logger:                logger,
		RequireProcessedBlock: cfg.Role == config.RoleLeader,
	})

	return a, nil
}

func (a *app) shutdown(logger *slog.Logger) {
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.indexer != nil {
		a.indexer.Close()
	}
	if a.objects != nil {
		_ = a.objects.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.obs != nil {
		if err := a.obs.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}
}
