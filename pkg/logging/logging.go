package logging

import (
	"io"
	"log/slog"
	"strings"
)

var logLevelMapping = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func ParseLevel(level string) (slog.Level, bool) {
	l, ok := logLevelMapping[strings.ToLower(level)]
	return l, ok
}

// InitDefault installs the process-wide logger. Unknown levels fall back to info, any format
// other than "json" gives the text handler.
func InitDefault(w io.Writer, level, format string) *slog.Logger {
	logLevel, ok := ParseLevel(level)
	if !ok {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
