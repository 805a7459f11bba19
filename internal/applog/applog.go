// Package applog configures the process-wide slog logger.
//
// Log output goes to a rotated file so the TUI can own the terminal.
// Safe to skip — if Init is never called, slog writes to stderr.
package applog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Init installs the default slog logger writing to dir/ai-tab-sorter.log
// with size-based rotation. When toStderr is set the file output is
// mirrored to stderr (headless mode).
func Init(dir, level string, toStderr bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var w io.Writer = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "ai-tab-sorter.log"),
		MaxSize:    5, // MB
		MaxBackups: 2,
	}
	if toStderr {
		w = io.MultiWriter(w, os.Stderr)
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	slog.SetDefault(slog.New(h))
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
