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

	"github.com/lms-iptv/tvbilling/internal/app"
	"github.com/lms-iptv/tvbilling/internal/billing"
	jobmetrics "github.com/lms-iptv/tvbilling/internal/jobs"
	"github.com/lms-iptv/tvbilling/internal/observability"
	"github.com/lms-iptv/tvbilling/internal/platform/cache"
	"github.com/lms-iptv/tvbilling/internal/platform/db"
	"github.com/lms-iptv/tvbilling/internal/settings"
	"github.com/lms-iptv/tvbilling/internal/shared"
	"github.com/lms-iptv/tvbilling/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
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

	settingsService := settings.NewService(
		settings.NewRepository(pool),
		settings.NewCache(redisClient, cfg.SettingsCacheTTL, logger),
		logger,
	)
	billingJob := jobs.NewBillingRunJob(
		billing.NewRepository(pool),
		cfg.BillingConfig(),
		settingsService,
		shared.NewRunLock(redisClient, shared.BillingRunLockKey, cfg.BillingLockTTL),
		logger,
		jobMetrics,
	)

	billingTask, err := jobs.NewBillingRunTask(jobs.BillingRunPayload{Trigger: "cron"})
	if err != nil {
		logger.Error("build billing task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := cfg.Redis().QueueOpts()
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillingRun, Handler: billingJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BillingCron, Task: billingTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer client.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		JobHandler: jobs.NewHandler(inspector, client, logger),
		Metrics:    metrics,
		Ready: map[string]app.Pinger{
			"postgres": app.PingFunc(pool.Ping),
			"redis": app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
		},
	})
	server := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  cfg.OpsReadTimeout,
		WriteTimeout: cfg.OpsWriteTimeout,
	}
	go func() {
		logger.Info("ops server listening", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()

	logger.Info("billing worker started", slog.String("cron", cfg.BillingCron))
	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", slog.Any("error", err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker run", slog.Any("error", runErr))
		os.Exit(1)
	}
}
