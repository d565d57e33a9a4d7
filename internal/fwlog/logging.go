// Package fwlog configures the process-wide structured logger: a small
// Config struct builds a slog.Handler and installs it as the default
// logger.
package fwlog

import (
	"log/slog"
	"os"
	"strings"
)

// Config controls how the default logger is built.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format selects the handler: "json" or "text".
	Format string
	// ExtraFields are attached to every record (e.g. build version).
	ExtraFields map[string]string
}

// Configure builds a *slog.Logger from cfg, installs it as the package
// default, and returns it.
func Configure(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	if len(cfg.ExtraFields) > 0 {
		attrs := make([]any, 0, len(cfg.ExtraFields)*2)
		for k, v := range cfg.ExtraFields {
			attrs = append(attrs, slog.String(k, v))
		}
		logger = logger.With(attrs...)
	}

	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
