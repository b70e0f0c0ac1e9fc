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
	jobmetrics "github.com/wastedesk/wastedesk/internal/jobs"
	"github.com/wastedesk/wastedesk/internal/observability"
	"github.com/wastedesk/wastedesk/internal/platform/cache"
	"github.com/wastedesk/wastedesk/internal/platform/db"
	"github.com/wastedesk/wastedesk/internal/registry"
	"github.com/wastedesk/wastedesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

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
	resolver := declaration.NewResolver(store, registryClient, logger, jobMetrics)
	late := declaration.NewLateDetector(store, logger, jobMetrics)
	processor := declaration.NewProcessor(store, aggregator, late, logger)
	guard := jobs.NewRunGuard(redisClient, cfg.TriggerLeaseTTL, logger)
	triggers := jobs.NewTriggers(resolver, processor, guard, logger, jobMetrics)

	cron, err := cronRegistrations(cfg)
	if err != nil {
		logger.Error("build cron tasks", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    triggers.Handlers(),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := worker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func cronRegistrations(cfg *app.Config) ([]jobs.CronRegistration, error) {
	specs := []struct {
		spec string
		task string
	}{
		{spec: cfg.PollCron, task: jobs.TaskPollSessions},
		{spec: cfg.LateCron, task: jobs.TaskDetectLate},
		{spec: cfg.MonthlyCron, task: jobs.TaskScheduleReceivals},
		{spec: cfg.JobsCron, task: jobs.TaskProcessJobs},
	}
	out := make([]jobs.CronRegistration, 0, len(specs))
	for _, s := range specs {
		task, err := jobs.NewTriggerTask(s.task, jobs.TriggerPayload{})
		if err != nil {
			return nil, err
		}
		out = append(out, jobs.CronRegistration{
			Spec: s.spec,
			Task: task,
			// Cron re-fires triggers; retries would only stack runs.
			Options: []asynq.Option{asynq.MaxRetry(0), asynq.Timeout(cfg.TriggerLeaseTTL)},
		})
	}
	return out, nil
}
