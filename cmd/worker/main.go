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

	"github.com/odyssey-erp/stockledger/internal/allocation"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/ingest"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/platform/lock"
	"github.com/odyssey-erp/stockledger/internal/platform/otel"
	"github.com/odyssey-erp/stockledger/internal/reconcile"
	"github.com/odyssey-erp/stockledger/internal/reservation"
	"github.com/odyssey-erp/stockledger/jobs"
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

	shutdownTracing, err := otel.Setup(ctx, "stockledger-worker", cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("otel setup", slog.Any("error", err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	locker, err := lock.New(redisClient, "stockledger:lock:")
	if err != nil {
		logger.Error("init locker", slog.Any("error", err))
		os.Exit(1)
	}

	runner := db.NewRunner(pool, cfg.RunnerConfig())
	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	ledgerService := ledger.NewService(ledger.NewRepository(runner), logger, metrics)
	outboundService := allocation.NewService(allocation.NewRepository(runner), ledgerService, logger, allocation.ServiceConfig{
		DefaultPolicy: cfg.DefaultPolicy(),
	})
	reservationService := reservation.NewService(reservation.NewRepository(runner), outboundService, logger, metrics, reservation.ServiceConfig{
		DefaultTTL: cfg.ReservationTTL,
	})
	reconcileService := reconcile.NewService(reconcile.NewRepository(runner), logger, metrics)

	expireJob := jobs.NewReservationExpireJob(reservationService, locker, logger, jobMetrics, cfg.ReservationSweepBatch)
	reconcileJob := jobs.NewReconcileJob(reconcileService, locker, logger, jobMetrics)
	adapter := ingest.NewAdapter(reservationService, outboundService, ledgerService, logger)

	expireTask, err := jobs.NewReservationExpireTask(cfg.ReservationSweepBatch)
	if err != nil {
		logger.Error("build expire task", slog.Any("error", err))
		os.Exit(1)
	}
	threeBooksTask, err := jobs.NewThreeBooksTask(reconcile.Scope{})
	if err != nil {
		logger.Error("build three-books task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cache.AsynqOpt(cfg.RedisAddr),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReservationExpire, Handler: expireJob.Handle},
			{Type: jobs.TaskReconcileSnapshot, Handler: reconcileJob.HandleSnapshot},
			{Type: jobs.TaskReconcileThreeBooks, Handler: reconcileJob.HandleThreeBooks},
			{Type: ingest.TaskMarketplaceEvent, Handler: adapter.Handle},
		},
		Cron: []jobs.CronRegistration{
			// A sweep that overruns its interval must not pile up duplicates.
			{Spec: cfg.ReservationSweepSpec, Task: expireTask, Options: []asynq.Option{asynq.MaxRetry(0), asynq.Timeout(time.Minute)}},
			{Spec: cfg.SnapshotSpec, Task: jobs.NewSnapshotTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ReconcileSpec, Task: threeBooksTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
