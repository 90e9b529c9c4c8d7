package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"log/slog"

	"github.com/portwayapi/portway/internal/config"
)

// New shapes slog so emitted telemetry matches the runtime policy: JSON or
// text handler, level gate, and an optional daily-rotated file sink teeing
// with stdout.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("logging: unsupported level %q", cfg.Level)
	}

	var sink io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if dir := strings.TrimSpace(cfg.Directory); dir != "" {
		fileSink, err := NewDailyFile(dir, "portwayapi")
		if err != nil {
			return nil, nil, fmt.Errorf("logging: file sink: %w", err)
		}
		sink = io.MultiWriter(os.Stdout, fileSink)
		closer = fileSink
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(sink, opts)
	case "text":
		handler = slog.NewTextHandler(sink, opts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	return slog.New(handler).With(slog.String("component", "portway")), closer, nil
}

// TruncateToken shortens secrets for log output; only a short prefix of a
// bearer token ever reaches a sink.
func TruncateToken(token string) string {
	const visible = 8
	if len(token) <= visible {
		return token
	}
	return token[:visible] + "..."
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
