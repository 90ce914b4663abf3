// Package logging builds the process logger for khssync.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/config"
)

// nopCloser is returned when there is no log file to close.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a *slog.Logger from cfg, writing to out. When cfg.File is set
// records go to a size-rotated file instead and the returned Closer closes
// it. New also installs the logger as slog's default.
func New(cfg config.LogConfig, out io.Writer) (*slog.Logger, io.Closer) {
	if out == nil {
		out = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = file
		closer = file
	}

	logger := slog.New(NewHandler(out, cfg))
	slog.SetDefault(logger)
	return logger, closer
}

// NewHandler returns the JSON or text handler cfg asks for.
func NewHandler(out io.Writer, cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
