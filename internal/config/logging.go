package config

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger returns a JSON logger on stdout. When logFile is set the
// records are also appended to that file, also as JSON. The returned cleanup
// closes the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}
	stdout := slog.NewJSONHandler(os.Stdout, opts)

	if logFile == "" {
		return slog.New(stdout), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stdout)
		logger.Error("failed to open log file, using stdout only", "err", err, "file", logFile)
		return logger, func() error { return nil }
	}

	logger := slog.New(slogmulti.Fanout(stdout, slog.NewJSONHandler(file, opts)))
	return logger, file.Close
}
