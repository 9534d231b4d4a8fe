package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/config"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/db"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/migrate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Migrations only ever run against the primary.
	router, err := db.Connect(ctx, db.Options{
		PrimaryURL:      cfg.DatabaseURL,
		StartupAttempts: cfg.DBStartupAttempts,
		StartupBackoff:  cfg.DBStartupBackoff,
	}, logger)
	if err != nil {
		logger.Error("connect to database", "err", err)
		cancel()
		os.Exit(1)
	}
	defer router.Close()

	if err := migrate.Run(ctx, router, logger); err != nil {
		logger.Error("run migrations", "err", err)
		router.Close()
		os.Exit(1)
	}
	logger.Info("migrations complete")
}
