package logger

import (
	"io"
	"log/slog"
	"strings"
)

// New returns a logger writing to w. Production gets JSON records; other
// environments get text records without timestamps, since they end up on a
// terminal next to command output.
func New(lvl string, addSource bool, environment string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(lvl),
		AddSource: addSource,
	}

	var handler slog.Handler
	if strings.EqualFold(environment, "prod") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.ReplaceAttr = dropTime
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(slog.String("environment", environment))
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
