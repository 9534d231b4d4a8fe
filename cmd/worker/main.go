package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/config"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/coord"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/db"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/maintenance"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/migrate"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/notify"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/processor"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/queue"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/registry"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/search"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/store"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/worker"
)

const (
	drainTimeout   = 25 * time.Second
	reaperInterval = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	err = run(cfg, logger)
	if err != nil {
		logger.Error("worker exited", "err", err)
	}
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := worker.EnableParentDeathSignal(); err != nil {
		logger.Warn("failed to enable parent-death signal", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	router, err := db.Connect(ctx, db.Options{
		PrimaryURL:      cfg.DatabaseURL,
		ReplicaURL:      cfg.ReplicaDatabaseURL,
		StartupAttempts: cfg.DBStartupAttempts,
		StartupBackoff:  cfg.DBStartupBackoff,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer router.Close()

	if err := migrate.Run(ctx, router, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()
	if err := rc.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis connected")

	st := store.New(router)
	dispatcher := notify.NewDispatcher(
		newMailer(cfg, logger),
		notify.NewWebhook(&http.Client{}, notify.WebhookOptions{
			Secret:      cfg.WebhookSecret,
			MaxAttempts: cfg.WebhookMaxAttempts,
			BackoffBase: cfg.WebhookBackoffBase,
			Timeout:     cfg.WebhookTimeout,
		}, logger),
		st,
		2*time.Minute,
		logger,
	)

	proc := processor.New(
		st,
		search.NewCommand(cfg.SearchCommand, cfg.ListingCommand, cfg.SearchTimeout, cfg.ProxyURL, logger),
		dispatcher,
		processor.Options{
			Currency:         cfg.Currency,
			DetectPriceDrops: cfg.DetectPriceDrops,
			Locker:           coord.NewAlertLocker(rc, cfg.AlertLockTTL),
		},
		logger,
	)

	reg := registry.New()
	reg.Register(domain.JobTypeSearch, proc.Handle)
	reg.Register(domain.JobTypeListing, proc.Handle)

	hostname, _ := os.Hostname()
	w := worker.New(worker.Config{
		ID:             uuid.New(),
		Hostname:       hostname,
		Concurrency:    cfg.WorkerConcurrency,
		LeaseSeconds:   cfg.JobLeaseSeconds,
		BackoffBase:    cfg.JobBackoffBase,
		DeadLetterSize: cfg.DeadLetterSize,
	}, router, rc, reg, logger)

	if err := worker.RegisterWorker(ctx, router, w); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	logger.Info("worker registered", "worker_id", w.ID, "hostname", hostname)

	go w.RunHeartbeat(ctx)
	go router.RunProbe(ctx, cfg.DBProbeInterval)
	go worker.RunReaper(ctx, router, rc, worker.ReaperConfig{
		Holder:         w.ID.String(),
		Interval:       reaperInterval,
		DeadLetterSize: cfg.DeadLetterSize,
	}, logger)

	sched := maintenance.New(cfg.MaintenanceSchedule, []maintenance.Task{
		{Name: "price_history", Retain: cfg.PriceHistoryRetain, Run: st.PurgePriceHistory},
		{Name: "listing_cache", Retain: cfg.ListingCacheRetain, Run: st.PurgeListingCache},
		{Name: "finished_jobs", Retain: cfg.FinishedJobRetain, Run: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return queue.PruneFinished(ctx, router, cutoff)
		}},
	}, rc, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	w.Start(ctx)
	logger.Info("worker ready",
		"worker_id", w.ID,
		"concurrency", cfg.WorkerConcurrency,
		"job_types", reg.Types(),
		"replica_configured", router.HasReplica())

	<-ctx.Done()
	logger.Info("shutdown requested, draining")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()

	sched.Stop()
	if err := w.DrainAndWait(drainCtx); err != nil {
		logger.Warn("shutdown drain timeout; stalled jobs will be reaped", "err", err)
	}
	if err := dispatcher.Wait(drainCtx); err != nil {
		logger.Warn("notification drain timeout; undelivered batches dropped", "err", err)
	}
	if err := w.MarkStopped(drainCtx); err != nil {
		logger.Warn("failed to mark worker stopped", "err", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func newMailer(cfg *config.Config, logger *slog.Logger) notify.Mailer {
	if cfg.SMTPHost == "" {
		return notify.LogMailer{Logger: logger}
	}
	m, err := notify.NewSMTPMailer(notify.SMTPOptions{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
	})
	if err != nil {
		logger.Warn("smtp unavailable, logging emails instead", "err", err)
		return notify.LogMailer{Logger: logger}
	}
	return m
}
