package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/platform/migrate"
)

func main() {
	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|redo|to|validate")
	version := flag.String("version", "", "target version for -cmd=to")
	flag.Parse()

	if *cmd == "validate" {
		if err := migrate.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "migration validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg).With(slog.String("cmd", *cmd))

	sqlDB, err := migrate.Open(cfg.PGDSN)
	if err != nil {
		logger.Error("open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	switch *cmd {
	case "to":
		if *version == "" {
			fmt.Fprintln(os.Stderr, "missing -version for to")
			os.Exit(1)
		}
		err = migrate.MigrateToVersion(ctx, sqlDB, *version)
	case "up", "down", "status", "version", "redo":
		err = migrate.Run(ctx, sqlDB, *cmd)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", *cmd)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("migrate done")
}
