// Package cli provides the alertctl operator commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/config"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/db"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	verbose bool

	cfg    *config.Config
	router *db.Router
	rc     *redis.Client
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "alertctl",
	Short: "Operate the listing alert job queue",
	Long: `alertctl submits alert checks and inspects the job queue.

It talks to the same Postgres and Redis the workers use, configured
through the usual environment variables (DATABASE_URL, REDIS_URL).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		router, err = db.Connect(cmd.Context(), db.Options{
			PrimaryURL:      cfg.DatabaseURL,
			ReplicaURL:      cfg.ReplicaDatabaseURL,
			StartupAttempts: 1,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if router != nil {
			router.Close()
		}
		if rc != nil {
			if err := rc.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close redis: %v\n", err)
			}
		}
	},
}

// redisClient connects on first use. Commands that only touch Postgres never
// dial Redis.
func redisClient(ctx context.Context) (*redis.Client, error) {
	if rc != nil {
		return rc, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	rc = c
	return rc, nil
}

// Execute runs the root command with ctx attached.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(deadCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(depthCmd)
	rootCmd.AddCommand(watchCmd)
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
