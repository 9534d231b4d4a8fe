// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, Load returns an error.
//
// When ALERTS_CONFIG_FILE points at a YAML file of KEY: value pairs, those
// values act as fallbacks for variables that are not set in the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the alert pipeline.
type Config struct {
	DatabaseURL        string
	ReplicaDatabaseURL string // empty disables failover
	RedisURL           string

	LogLevel slog.Level
	LogFile  string

	WorkerConcurrency int
	JobMaxAttempts    int
	JobBackoffBase    time.Duration
	JobLeaseSeconds   int
	DeadLetterSize    int64

	DBProbeInterval   time.Duration
	DBStartupAttempts int
	DBStartupBackoff  time.Duration

	SearchCommand  []string
	ListingCommand []string
	SearchTimeout  time.Duration
	Currency       string
	ProxyURL       string

	DetectPriceDrops bool
	AlertLockTTL     time.Duration

	WebhookSecret      string
	WebhookMaxAttempts int
	WebhookBackoffBase time.Duration
	WebhookTimeout     time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string

	MaintenanceSchedule string
	PriceHistoryRetain  time.Duration
	ListingCacheRetain  time.Duration
	FinishedJobRetain   time.Duration
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	env, err := newEnv(os.Getenv("ALERTS_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	dbURL := env.str("DATABASE_URL", "")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:        dbURL,
		ReplicaDatabaseURL: env.str("DATABASE_REPLICA_URL", ""),
		RedisURL:           env.str("REDIS_URL", "redis://localhost:6379"),

		LogLevel: parseLogLevel(env.str("LOG_LEVEL", "INFO")),
		LogFile:  env.str("LOG_FILE", ""),

		SearchCommand:  strings.Fields(env.str("SEARCH_COMMAND", "python3 scripts/search_listings.py")),
		ListingCommand: strings.Fields(env.str("LISTING_COMMAND", "python3 scripts/get_listing.py")),
		Currency:       env.str("SEARCH_CURRENCY", "USD"),
		ProxyURL:       env.str("SEARCH_PROXY_URL", ""),

		WebhookSecret: env.str("WEBHOOK_SECRET", ""),

		SMTPHost:     env.str("SMTP_HOST", ""),
		SMTPUser:     env.str("SMTP_USER", ""),
		SMTPPassword: env.str("SMTP_PASSWORD", ""),
		EmailFrom:    env.str("EMAIL_FROM", "alerts@localhost"),

		MaintenanceSchedule: env.str("MAINTENANCE_SCHEDULE", "@every 1h"),
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"WORKER_CONCURRENCY", 4, &cfg.WorkerConcurrency},
		{"JOB_MAX_ATTEMPTS", 3, &cfg.JobMaxAttempts},
		{"JOB_LEASE_SECONDS", 120, &cfg.JobLeaseSeconds},
		{"DB_STARTUP_ATTEMPTS", 5, &cfg.DBStartupAttempts},
		{"WEBHOOK_MAX_ATTEMPTS", 3, &cfg.WebhookMaxAttempts},
		{"SMTP_PORT", 587, &cfg.SMTPPort},
	}
	for _, i := range ints {
		v, err := env.positiveInt(i.key, i.def)
		if err != nil {
			return nil, err
		}
		*i.dst = v
	}

	deadSize, err := env.positiveInt("DEAD_LETTER_SIZE", 100)
	if err != nil {
		return nil, err
	}
	cfg.DeadLetterSize = int64(deadSize)

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"JOB_BACKOFF_BASE", 5 * time.Second, &cfg.JobBackoffBase},
		{"DB_PROBE_INTERVAL", 60 * time.Second, &cfg.DBProbeInterval},
		{"DB_STARTUP_BACKOFF", time.Second, &cfg.DBStartupBackoff},
		{"SEARCH_TIMEOUT", 90 * time.Second, &cfg.SearchTimeout},
		{"ALERT_LOCK_TTL", 5 * time.Minute, &cfg.AlertLockTTL},
		{"WEBHOOK_BACKOFF_BASE", 250 * time.Millisecond, &cfg.WebhookBackoffBase},
		{"WEBHOOK_TIMEOUT", 10 * time.Second, &cfg.WebhookTimeout},
		{"PRICE_HISTORY_RETENTION", 90 * 24 * time.Hour, &cfg.PriceHistoryRetain},
		{"LISTING_CACHE_RETENTION", 30 * 24 * time.Hour, &cfg.ListingCacheRetain},
		{"FINISHED_JOB_RETENTION", 7 * 24 * time.Hour, &cfg.FinishedJobRetain},
	}
	for _, d := range durations {
		v, err := env.duration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	cfg.DetectPriceDrops, err = env.boolean("DETECT_PRICE_DROPS", false)
	if err != nil {
		return nil, err
	}

	if len(cfg.SearchCommand) == 0 {
		return nil, fmt.Errorf("SEARCH_COMMAND must not be blank")
	}
	if len(cfg.ListingCommand) == 0 {
		return nil, fmt.Errorf("LISTING_COMMAND must not be blank")
	}

	return cfg, nil
}

// env resolves a key from the process environment first, then from the
// optional YAML overlay.
type env struct {
	file map[string]string
}

func newEnv(path string) (*env, error) {
	e := &env{file: map[string]string{}}
	if path == "" {
		return e, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &e.file); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return e, nil
}

func (e *env) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := e.file[key]; v != "" {
		return v
	}
	return def
}

func (e *env) positiveInt(key string, def int) (int, error) {
	s := e.str(key, "")
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, s)
	}
	return v, nil
}

func (e *env) duration(key string, def time.Duration) (time.Duration, error) {
	s := e.str(key, "")
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, s)
	}
	return v, nil
}

func (e *env) boolean(key string, def bool) (bool, error) {
	s := e.str(key, "")
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, s)
	}
	return v, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
