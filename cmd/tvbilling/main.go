package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lms-iptv/tvbilling/cmd/tvbilling/cli"
	"github.com/lms-iptv/tvbilling/internal/app"
	"github.com/lms-iptv/tvbilling/internal/billing"
	"github.com/lms-iptv/tvbilling/internal/platform/cache"
	"github.com/lms-iptv/tvbilling/internal/platform/db"
	"github.com/lms-iptv/tvbilling/internal/settings"
	"github.com/lms-iptv/tvbilling/internal/shared"
	"github.com/lms-iptv/tvbilling/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	root := cli.NewRootCommand(cli.Env{
		Runner: func(ctx context.Context) (cli.Runner, func(), error) {
			return newRunner(ctx, cfg, logger)
		},
		Pending: func(ctx context.Context) (cli.PendingLister, func(), error) {
			pool, err := db.New(ctx, cfg.PGDSN)
			if err != nil {
				return nil, func() {}, err
			}
			engine := billing.NewEngine(billing.NewRepository(pool), cfg.BillingConfig(), logger, nil)
			return engine, pool.Close, nil
		},
		Queue: func(ctx context.Context) (cli.Queue, error) {
			return cli.NewJobsCLI(cfg.Redis().QueueOpts())
		},
	})
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("tvbilling failed", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "tvbilling: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// newRunner wires the billing job against live Postgres and Redis. The run
// lock and settings cache degrade to no-ops when Redis is unreachable.
func newRunner(ctx context.Context, cfg *app.Config, logger *slog.Logger) (cli.Runner, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, func() {}, err
	}
	cleanup := pool.Close

	var (
		lock          *shared.RunLock
		settingsCache *settings.Cache
	)
	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, running without run lock and settings cache", slog.Any("error", err))
	} else {
		lock = shared.NewRunLock(redisClient, shared.BillingRunLockKey, cfg.BillingLockTTL)
		settingsCache = settings.NewCache(redisClient, cfg.SettingsCacheTTL, logger)
		cleanup = func() {
			_ = redisClient.Close()
			pool.Close()
		}
	}

	svc := settings.NewService(settings.NewRepository(pool), settingsCache, logger)
	job := jobs.NewBillingRunJob(billing.NewRepository(pool), cfg.BillingConfig(), svc, lock, logger, nil)
	return job, cleanup, nil
}
