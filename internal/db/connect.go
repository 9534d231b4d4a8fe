package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DialFunc builds a pool for url. It must not require the server to be up;
// reachability is checked with Ping afterwards.
type DialFunc func(ctx context.Context, url string) (Conn, error)

type Options struct {
	PrimaryURL      string
	ReplicaURL      string // optional
	StartupAttempts int
	StartupBackoff  time.Duration
	Dial            DialFunc // defaults to a pgxpool dialer
}

// Connect opens the primary and optional replica and decides the initial
// route. The primary gets StartupAttempts pings with exponential backoff.
// If it stays down and the replica answers, the router starts failed over;
// if neither answers, Connect fails.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Router, error) {
	dial := opts.Dial
	if dial == nil {
		dial = dialPool
	}
	attempts := opts.StartupAttempts
	if attempts < 1 {
		attempts = 1
	}

	primary, err := dial(ctx, opts.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("primary pool: %w", err)
	}

	var replica Conn
	if opts.ReplicaURL != "" {
		replica, err = dial(ctx, opts.ReplicaURL)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("replica pool: %w", err)
		}
	}

	r := NewRouter(primary, replica, logger)

	primaryErr := pingWithRetry(ctx, primary, attempts, opts.StartupBackoff, logger)
	if primaryErr == nil {
		logger.Info("database connected", "target", TargetPrimary, "replica_configured", replica != nil)
		return r, nil
	}

	if replica == nil {
		r.Close()
		return nil, fmt.Errorf("primary unreachable after %d attempts and no replica configured: %w",
			attempts, primaryErr)
	}

	if err := ping(ctx, replica); err != nil {
		r.Close()
		return nil, fmt.Errorf("primary unreachable (%v) and replica unreachable: %w", primaryErr, err)
	}

	_ = r.Failover()
	logger.Warn("starting in failed-over mode; reads served by replica, writes will fail until primary recovers",
		"primary_err", primaryErr)
	return r, nil
}

func pingWithRetry(ctx context.Context, c Conn, attempts int, base time.Duration, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return ping(ctx, c)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx),
		func(err error, wait time.Duration) {
			logger.Warn("primary ping failed; retrying",
				"attempt", attempt, "max_attempts", attempts, "retry_in", wait, "err", err)
		},
	)
}

func dialPool(ctx context.Context, url string) (Conn, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	return pool, nil
}
