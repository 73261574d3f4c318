package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/config"
)

// New builds a slog.Logger writing to w with the configured level and format.
func New(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Install makes a stderr logger built from cfg the process default.
func Install(cfg config.LogConfig) {
	slog.SetDefault(New(os.Stderr, cfg))
}

func parseLevel(s string) slog.Level {
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
