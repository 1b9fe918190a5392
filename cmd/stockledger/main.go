package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/cmd/stockledger/cli"
	"github.com/odyssey-erp/stockledger/internal/allocation"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/platform/migrate"
	"github.com/odyssey-erp/stockledger/internal/platform/otel"
	"github.com/odyssey-erp/stockledger/internal/reconcile"
	"github.com/odyssey-erp/stockledger/internal/reservation"
	"github.com/odyssey-erp/stockledger/jobs"
)

const usage = `usage:
  stockledger [serve]
  stockledger jobs trigger -name <reservation:expire|reconcile:snapshot|reconcile:three_books> [-warehouse N] [-item N] [-batch N]
  stockledger jobs publish < event.json
  stockledger jobs inspect`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "serve" {
		serve()
		return
	}
	if args[0] == "jobs" {
		os.Exit(runJobs(args[1:]))
	}
	fmt.Fprintln(os.Stderr, usage)
	os.Exit(2)
}

func runJobs(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() { _ = jobsCLI.Close() }()

	ctx := context.Background()
	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		opts := cli.TriggerOptions{}
		fs.StringVar(&opts.Name, "name", "", "task type to enqueue")
		fs.Int64Var(&opts.WarehouseID, "warehouse", 0, "three-books warehouse scope (0 = all)")
		fs.Int64Var(&opts.ItemID, "item", 0, "three-books item scope (0 = all)")
		fs.IntVar(&opts.BatchSize, "batch", cfg.ReservationSweepBatch, "expiry sweep batch size")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return jobsCLI.TriggerCommand(ctx, opts, cli.CommandIO{})
	case "publish":
		return jobsCLI.PublishCommand(ctx, os.Stdin, cli.CommandIO{})
	case "inspect":
		return jobsCLI.InspectCommand(cli.CommandIO{})
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
}

func serve() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	shutdownTracing, err := otel.Setup(ctx, "stockledger-api", cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("otel setup", slog.Any("error", err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("otel shutdown", slog.Any("error", err))
		}
	}()

	if cfg.AutoMigrate {
		if err := autoMigrate(ctx, cfg.PGDSN); err != nil {
			logger.Error("auto migrate", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	runner := db.NewRunner(dbpool, cfg.RunnerConfig())
	metrics := observability.NewMetrics()

	ledgerService := ledger.NewService(ledger.NewRepository(runner), logger, metrics)
	outboundService := allocation.NewService(allocation.NewRepository(runner), ledgerService, logger, allocation.ServiceConfig{
		DefaultPolicy: cfg.DefaultPolicy(),
	})
	reservationService := reservation.NewService(reservation.NewRepository(runner), outboundService, logger, metrics, reservation.ServiceConfig{
		DefaultTTL: cfg.ReservationTTL,
	})
	reconcileService := reconcile.NewService(reconcile.NewRepository(runner), logger, metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		LedgerHandler:      ledger.NewHandler(logger, ledgerService),
		OutboundHandler:    allocation.NewHandler(logger, outboundService),
		ReservationHandler: reservation.NewHandler(logger, reservationService),
		ReconcileHandler:   reconcile.NewHandler(logger, reconcileService),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Database:           dbpool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func autoMigrate(ctx context.Context, dsn string) error {
	sqlDB, err := migrate.Open(dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return migrate.Up(ctx, sqlDB)
}
