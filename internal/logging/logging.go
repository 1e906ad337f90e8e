package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs a stdout logger for service as the process default.
func Init(service, format, level string) *slog.Logger {
	return InitTo(os.Stdout, service, format, level)
}

// InitTo is Init with an explicit destination. commctl logs to stderr so its
// tables stay clean on stdout.
func InitTo(w io.Writer, service, format, level string) *slog.Logger {
	logger := New(w, service, format, level)
	slog.SetDefault(logger)
	return logger
}

// New builds a JSON (default) or text logger tagged with service. Levels are
// debug, info (default), warn and error; unknown values fall back with a
// warning.
func New(w io.Writer, service, format, level string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))
	lvl, lvlOK := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler).With("service", service)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	if !lvlOK {
		logger.Warn("unknown log level, defaulting to info", "level", level)
	}
	return logger
}

func parseLevel(v string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return slog.LevelInfo, true
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
