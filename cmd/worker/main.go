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
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-clinic/internal/app"
	"github.com/odyssey-erp/odyssey-clinic/internal/billing"
	"github.com/odyssey-erp/odyssey-clinic/internal/catalog"
	jobmetrics "github.com/odyssey-erp/odyssey-clinic/internal/jobs"
	"github.com/odyssey-erp/odyssey-clinic/internal/notify"
	"github.com/odyssey-erp/odyssey-clinic/internal/patients"
	"github.com/odyssey-erp/odyssey-clinic/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-clinic/internal/platform/db"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
	"github.com/odyssey-erp/odyssey-clinic/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	metrics := jobmetrics.NewMetrics(nil)

	taskClient, err := jobs.NewClient(redisOpts, logger)
	if err != nil {
		logger.Error("init task client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Warn("task client close", slog.Any("error", err))
		}
	}()

	catalogService := catalog.NewService(catalog.NewRepository(pool), catalog.NewCache(redisClient, cfg.CatalogCacheTTL), logger)
	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, catalogService, shared.NewAuditLogger(pool), billing.ServiceConfig{Location: cfg.Location()})
	billingService.SetLogger(logger)
	dispatcher := billing.NewDispatcher(billingRepo, taskClient, logger)

	formatter := notify.NewFormatter(cfg.NotifyLocale)
	var notifier notify.Notifier = notify.NewLogNotifier(logger, formatter)
	if cfg.TelegramBotToken != "" {
		telegram := notify.NewTelegramClient(cfg.TelegramAPIURL, cfg.TelegramBotToken, formatter)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := telegram.Ping(pingCtx); err != nil {
			logger.Warn("telegram ping", slog.Any("error", err))
		}
		cancel()
		notifier = telegram
	} else {
		logger.Info("telegram bot token not set, debt reminders go to the log")
	}

	debtJob := jobs.NewDebtNotifyJob(patients.NewRepository(pool), notifier, logger, metrics)
	relayJob := jobs.NewOutboxRelayJob(dispatcher, logger, metrics)
	reconcileJob := jobs.NewBalanceReconcileJob(billingService, logger, metrics)

	relayTask, err := jobs.NewOutboxRelayTask(100, time.Minute)
	if err != nil {
		logger.Error("build relay task", slog.Any("error", err))
		os.Exit(1)
	}
	reconcileTask, err := jobs.NewBalanceReconcileTask(200)
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDebtNotify, Handler: debtJob.Handle},
			{Type: jobs.TaskOutboxRelay, Handler: relayJob.Handle},
			{Type: jobs.TaskBalanceReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OutboxRelayCron, Task: relayTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.BalanceReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.WorkerMetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
