package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Setup configures the default logger with a text handler writing to stderr
// and, when logDir is non-empty, to a dated log file inside it.
func Setup(logLevel, logDir, logName string) error {
	var level slog.Level

	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o750); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}

		name := fmt.Sprintf("%s_%s.log", logName, time.Now().Format("20060102"))

		file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", name, err)
		}

		out = io.MultiWriter(os.Stderr, file)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})))

	return nil
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
