package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Debug selects the verbose level;
// jsonOutput switches to machine-readable records for service managers.
func NewLogger(debug, jsonOutput bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
