package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"jan-server/services/model-gateway/internal/config"
	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/domain/health"
	"jan-server/services/model-gateway/internal/domain/inference"
	"jan-server/services/model-gateway/internal/domain/routing"
	"jan-server/services/model-gateway/internal/infrastructure/cache"
	"jan-server/services/model-gateway/internal/infrastructure/crontab"
	"jan-server/services/model-gateway/internal/infrastructure/database"
	"jan-server/services/model-gateway/internal/infrastructure/database/repository/catalogrepo"
	"jan-server/services/model-gateway/internal/infrastructure/logger"
	"jan-server/services/model-gateway/internal/infrastructure/metrics"
	"jan-server/services/model-gateway/internal/infrastructure/monitor"
	"jan-server/services/model-gateway/internal/infrastructure/observability"
	"jan-server/services/model-gateway/internal/infrastructure/providers"
	"jan-server/services/model-gateway/internal/interfaces/httpserver"
	"jan-server/services/model-gateway/internal/interfaces/httpserver/handlers"
	"jan-server/services/model-gateway/internal/utils/crypto"
)

// Application owns every long-running component of the gateway.
type Application struct {
	cfg        *config.Config
	log        zerolog.Logger
	httpServer *httpserver.HttpServer
	crontab    *crontab.Crontab
	monitor    *monitor.Monitor
	cache      *cache.TieredCache
}

func main() {
	bootLog := logger.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("configure logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("initialize observability")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutdown telemetry")
			}
		}()
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create application")
	}

	if err := app.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("model-gateway exited")
	}
	log.Info().Msg("model-gateway stopped")
}

// newApplication wires the full dependency graph: database, cache tiers,
// catalog registry, health tracker, routing, provider clients, background
// jobs, and the HTTP surface.
func newApplication(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Application, error) {
	db, err := database.Connect(database.Config{
		DSN:             cfg.DatabaseURL,
		MaxIdleConns:    10,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := database.AutoMigrate(ctx, db, log); err != nil {
			return nil, err
		}
	}

	sharedStore, err := cache.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	localStore, err := cache.NewLocalStore(cfg.LocalCacheSize)
	if err != nil {
		return nil, err
	}
	tieredCache := cache.NewTieredCache(sharedStore, localStore, cache.Options{
		RevalidateInterval:   cfg.RevalidateInterval,
		RefreshCheckInterval: cfg.RefreshCheckInterval,
		RebuildLockTTL:       30 * time.Second,
	}, log)

	repo := catalogrepo.NewGormRepository(db)
	registry := catalog.NewRegistry(repo, tieredCache, cfg.CatalogTTL, cfg.CatalogStaleTTL)

	tracker := health.NewTracker(health.Config{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.CircuitCooldown,
		LatencyAlpha:     0.2,
	})
	tracker.OnTransition(func(model, provider string, state health.CircuitState) {
		metrics.SetCircuitState(model, provider, string(state))
	})

	locks, err := routing.ParseLockTable(cfg.RouteLocks)
	if err != nil {
		return nil, fmt.Errorf("parse routing locks: %w", err)
	}
	selector := routing.NewSelector(tracker, locks, routing.BalancedWeights{
		Cost:        cfg.BalancedCostWeight,
		Latency:     cfg.BalancedLatencyWeight,
		Reliability: cfg.BalancedReliabilityWeight,
	})

	clientRegistry := providers.NewClientRegistry(registry, cfg.ProviderSecret)

	executor := routing.NewExecutor(clientRegistry, tracker, cfg.AttemptTimeout, log)
	executor.OnOutcome(func(provider string, success bool, class inference.ErrorClass, latency time.Duration) {
		metrics.RecordChainAttempt(provider, success, string(class), latency.Seconds())
	})

	if err := bootstrapProvider(ctx, cfg, registry); err != nil {
		return nil, fmt.Errorf("bootstrap provider: %w", err)
	}
	if err := registry.Load(ctx); err != nil {
		return nil, err
	}
	tieredCache.RegisterHotKey(catalog.CatalogCacheKey, cfg.CatalogTTL, cfg.CatalogStaleTTL, registry.RebuildCatalog)

	handlerProvider := handlers.NewProvider(cfg, registry, selector, executor, tieredCache, tracker, clientRegistry, log)

	app := &Application{
		cfg:        cfg,
		log:        log,
		httpServer: httpserver.New(cfg, log, handlerProvider),
		crontab:    crontab.NewCrontab(cfg, registry, repo, tieredCache, clientRegistry),
		cache:      tieredCache,
	}
	if cfg.MonitorEnabled {
		app.monitor = monitor.New(monitor.Config{
			CriticalInterval: cfg.CriticalProbeInterval,
			PopularInterval:  cfg.PopularProbeInterval,
			StandardInterval: cfg.StandardProbeInterval,
			ProbeTimeout:     cfg.ProbeTimeout,
			BatchSize:        cfg.ProbeBatchSize,
			BatchDelay:       cfg.ProbeBatchDelay,
			CriticalVolume:   cfg.CriticalVolumeThreshold,
			PopularVolume:    cfg.PopularVolumeThreshold,
			SnapshotInterval: cfg.SnapshotPublishInterval,
		}, registry, clientRegistry, tracker, tieredCache, log)
	}
	return app, nil
}

// bootstrapProvider registers the optional default upstream so a fresh
// deployment can route traffic before any admin call is made.
func bootstrapProvider(ctx context.Context, cfg *config.Config, registry *catalog.Registry) error {
	if cfg.BootstrapProviderName == "" {
		return nil
	}
	provider := &catalog.Provider{
		PublicID:    cfg.BootstrapProviderName,
		DisplayName: cfg.BootstrapProviderName,
		Kind:        catalog.ProviderKind(cfg.BootstrapProviderKind),
		BaseURL:     cfg.BootstrapProviderURL,
		Active:      true,
	}
	if cfg.BootstrapProviderAPIKey != "" {
		encrypted, err := crypto.EncryptString(cfg.ProviderSecret, cfg.BootstrapProviderAPIKey)
		if err != nil {
			return err
		}
		provider.EncryptedAPIKey = encrypted
	}
	return registry.RegisterProvider(ctx, provider)
}

// Start runs every long-lived component until the context is cancelled or
// one of them fails.
func (a *Application) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return a.httpServer.Run(ctx)
	})
	eg.Go(func() error {
		return a.runMetricsServer(ctx)
	})
	eg.Go(func() error {
		return a.crontab.Run(ctx)
	})
	eg.Go(func() error {
		return a.cache.RunRefresher(ctx)
	})
	if a.monitor != nil {
		eg.Go(func() error {
			return a.monitor.Run(ctx)
		})
	}

	return eg.Wait()
}

// runMetricsServer exposes prometheus metrics on a dedicated port.
func (a *Application) runMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", server.Addr).Msg("metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
