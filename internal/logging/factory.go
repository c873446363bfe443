package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Supported output formats.
const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds a Logger writing to w. Format "console" uses zerolog's
// human-friendly writer, "json" and "text" use slog handlers.
// Unknown levels fall back to info.
func New(w io.Writer, level, format string) Logger {
	switch strings.ToLower(format) {
	case FormatConsole:
		zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
			Level(zerologLevel(level)).
			With().Timestamp().Logger()
		return NewZerologLogger(zl)
	case FormatJSON:
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel(level)})
		return NewSlogLogger(slog.New(h))
	default:
		h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel(level)})
		return NewSlogLogger(slog.New(h))
	}
}

func slogLevel(level string) slog.Level {
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

func zerologLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
