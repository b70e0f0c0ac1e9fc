package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/wastedesk/wastedesk/internal/app"
	"github.com/wastedesk/wastedesk/internal/company"
	"github.com/wastedesk/wastedesk/internal/declaration"
	declarationhttp "github.com/wastedesk/wastedesk/internal/declaration/http"
	jobmetrics "github.com/wastedesk/wastedesk/internal/jobs"
	"github.com/wastedesk/wastedesk/internal/observability"
	"github.com/wastedesk/wastedesk/internal/platform/cache"
	"github.com/wastedesk/wastedesk/internal/platform/db"
	"github.com/wastedesk/wastedesk/internal/registry"
	"github.com/wastedesk/wastedesk/internal/shared"
	"github.com/wastedesk/wastedesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, party cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	registryClient, err := registry.NewClient(registry.Options{
		BaseURL: cfg.RegistryBaseURL,
		APIKey:  cfg.RegistryAPIKey,
		Timeout: cfg.RegistryTimeout,
		Logger:  logger,
		Metrics: registry.NewMetrics(metrics.Registerer()),
	})
	if err != nil {
		logger.Error("init registry client", slog.Any("error", err))
		os.Exit(1)
	}

	store := declaration.NewRepository(pool)
	parties := company.NewCachedDirectory(company.NewRepository(pool), redisClient, cfg.PartyCacheTTL, logger)
	aggregator := declaration.NewAggregator(declaration.AggregatorConfig{
		Store:       store,
		Registry:    registryClient,
		Parties:     parties,
		BatchSize:   cfg.RegistryBatchSize,
		HomeCountry: cfg.HomeCountry,
		Logger:      logger,
		Metrics:     jobMetrics,
	})
	approvals := shared.NewApprovalRecorder(pool, logger)
	gate := declaration.NewApprovalGate(store, aggregator, approvals, logger)
	service := declaration.NewService(store, gate, approvals)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		DeclarationHandler: declarationhttp.NewHandler(logger, service),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
