// Package main is the entry point for the Afya encounter engine server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/afya/internal/config"
	"github.com/pitabwire/afya/internal/instance"
	"github.com/pitabwire/afya/internal/observability"
	"github.com/pitabwire/afya/internal/schema"
	"github.com/pitabwire/afya/internal/syncqueue"
	"github.com/pitabwire/afya/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "afya-engine", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load encounter schemas, verify against the manifest, validate,
	// and build the registry. A schema that fails validation or checksum
	// verification never reaches the registry.
	loader := schema.NewLoader()
	schemas, err := loader.LoadAll(cfg.Schemas.Directories)
	if err != nil {
		logger.Error("schema loading failed", zap.Error(err))
		return 1
	}

	if cfg.Schemas.ManifestPath != "" {
		manifest, err := schema.LoadManifest(cfg.Schemas.ManifestPath)
		if err != nil {
			logger.Error("manifest loading failed", zap.Error(err))
			return 1
		}
		accepted, problems := manifest.Verify(schemas, cfg.Schemas.StrictChecksums)
		for _, p := range problems {
			metrics.RecordSchemaChecksumFailure()
			logger.Error("schema rejected by manifest", zap.String("problem", p.Error()))
		}
		if cfg.Schemas.StrictChecksums && len(problems) > 0 {
			logger.Error("manifest verification failed", zap.Int("problems", len(problems)))
			return 1
		}
		schemas = accepted
	}

	validator := schema.NewValidator()
	if verrs := validator.Validate(schemas); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("schema validation error", zap.String("error", ve.Error()))
		}
		logger.Error("schema validation failed", zap.Int("errors", len(verrs)))
		return 1
	}

	registry := schema.NewRegistry(schemas)
	metrics.SetSchemasLoaded(float64(registry.Count()))

	// Step 5: Initialize the instance store.
	store, storeCloser, err := buildInstanceStore(ctx, cfg.InstanceStore, logger)
	if err != nil {
		logger.Error("instance store initialization failed", zap.Error(err))
		return 1
	}

	manager := instance.NewManager(registry, store, logger)

	// Step 6: Initialize the sync queue and worker.
	syncStore, syncCloser, err := buildSyncStateStore(ctx, cfg.Sync.Store, logger)
	if err != nil {
		logger.Error("sync state store initialization failed", zap.Error(err))
		return 1
	}

	queue := syncqueue.NewQueue(syncStore, syncqueue.Backoff{
		Initial:    cfg.Sync.Backoff.Initial,
		Multiplier: cfg.Sync.Backoff.Multiplier,
		Max:        cfg.Sync.Backoff.Max,
	})

	var worker *syncqueue.Worker
	if cfg.Sync.Enabled {
		pushTransport := syncqueue.NewHTTPTransport(cfg.Sync.Endpoint, &http.Client{Timeout: 30 * time.Second})
		if cfg.Sync.TokenEnv != "" {
			pushTransport.AuthToken = os.Getenv(cfg.Sync.TokenEnv)
		}
		worker = syncqueue.NewWorker(queue, manager, pushTransport, logger, cfg.Sync.Interval, cfg.Sync.BatchSize)
		if err := worker.Restore(ctx); err != nil {
			logger.Error("sync queue restore failed", zap.Error(err))
			return 1
		}
	}

	// Step 7: Build the HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)

	readinessChecks := observability.ReadinessChecks{
		SchemasLoaded: func() bool { return registry.Count() > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.InstanceStore = hc
	}
	if hc, ok := syncStore.(observability.HealthChecker); ok {
		readinessChecks.SyncStateStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Manager:      manager,
		Registry:     registry,
		Queue:        queue,
		Metrics:      metrics,
		Readiness:    readinessChecks,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if worker != nil {
		go worker.Run(bgCtx)
		go reportQueueDepth(bgCtx, queue, metrics)
	}

	// Step 9: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("schemas", registry.Count()),
		zap.Bool("sync_enabled", cfg.Sync.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks. Any queued transfer survives in the sync state
	// store and resumes on the next start.
	bgCancel()

	// Close stores.
	if storeCloser != nil {
		storeCloser()
	}
	if syncCloser != nil {
		syncCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildInstanceStore creates the instance store based on config.
func buildInstanceStore(ctx context.Context, cfg config.InstanceStoreConfig, logger *zap.Logger) (instance.InstanceStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory instance store")
		return instance.NewMemoryInstanceStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			if cfg.DSNEnv != "" {
				return nil, nil, fmt.Errorf("instance store: %s environment variable not set", cfg.DSNEnv)
			}
			logger.Warn("instance store DSN not configured, using in-memory store")
			return instance.NewMemoryInstanceStore(), nil, nil
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("instance store: ping: %w", err)
		}
		return instance.NewPgInstanceStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported instance store driver: %q", cfg.Driver)
	}
}

// buildSyncStateStore creates the durable sync queue state store based on
// config.
func buildSyncStateStore(ctx context.Context, cfg config.SyncStoreConfig, logger *zap.Logger) (syncqueue.SyncStateStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory sync state store")
		return syncqueue.NewMemorySyncStateStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			if cfg.AddrEnv != "" {
				return nil, nil, fmt.Errorf("sync state store: %s environment variable not set", cfg.AddrEnv)
			}
			logger.Warn("sync state store address not configured, using in-memory store")
			return syncqueue.NewMemorySyncStateStore(), nil, nil
		}

		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("sync state store: ping: %w", err)
		}
		return syncqueue.NewRedisSyncStateStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sync state store driver: %q", cfg.Driver)
	}
}

// reportQueueDepth periodically exports sync queue gauges.
func reportQueueDepth(ctx context.Context, queue *syncqueue.Queue, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetSyncQueueDepth(queue.Depth(), len(queue.Errors()))
		}
	}
}
