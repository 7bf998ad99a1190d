// Package logging builds the process logger from telemetry settings.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/loqalabs/aethra/internal/config"
)

// New returns a JSON logger, or a human-readable one when format is "pretty".
func New(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.LogLevel)
	if cfg.LogFormat == "pretty" {
		h := charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			Level:           charmLevel(level),
		})
		return slog.New(h)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func charmLevel(l slog.Level) charmlog.Level {
	switch {
	case l <= slog.LevelDebug:
		return charmlog.DebugLevel
	case l >= slog.LevelError:
		return charmlog.ErrorLevel
	case l >= slog.LevelWarn:
		return charmlog.WarnLevel
	}
	return charmlog.InfoLevel
}
