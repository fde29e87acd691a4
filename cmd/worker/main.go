package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/agora-connector/internal/app"
	jobmetrics "github.com/odyssey-erp/agora-connector/internal/jobs"
	"github.com/odyssey-erp/agora-connector/internal/observability"
	"github.com/odyssey-erp/agora-connector/jobs"
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

	metrics := observability.NewMetrics()
	services, err := app.NewServices(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}
	defer services.Close()
	if services.Locker == nil {
		logger.Error("worker requires redis for connection locks")
		os.Exit(1)
	}

	syncJob := jobs.NewSyncJob(jobs.SyncDeps{
		Connections: services.Connections,
		MasterData:  services.Sync,
		Publisher:   services.Publisher,
		Tickets:     services.Engine,
		Payments:    services.Payments,
		Locker:      services.Locker,
		RetryLimit:  cfg.FulfillmentRetryLimit,
	}, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	cron, err := jobs.CronRegistrations(map[string]string{
		jobs.TaskMasterSync:       cfg.CronMasterSync,
		jobs.TaskOrdersImport:     cfg.CronOrders,
		jobs.TaskFulfillmentRetry: cfg.CronFulfillmentRetry,
		jobs.TaskProductsPush:     cfg.CronProductPush,
		jobs.TaskBatchPayments:    cfg.CronBatchPayments,
		jobs.TaskLossImport:       cfg.CronLossImport,
	})
	if err != nil {
		logger.Error("build cron schedule", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    syncJob.Handlers(),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
