package logging

import (
	"io"
	"log/slog"
	"os"
)

// SetupJSON sets slog's default logger to use JSON output on stdout at the
// given level.
func SetupJSON(level slog.Level) {
	SetupJSONTo(os.Stdout, level)
}

// SetupJSONTo is SetupJSON writing to w.
func SetupJSONTo(w io.Writer, level slog.Level) {
	slog.SetDefault(NewJSON(w, level))
}

// NewJSON returns a JSON logger writing to w at level.
func NewJSON(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
