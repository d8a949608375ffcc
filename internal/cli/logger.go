// Package cli holds the process plumbing shared by both binaries.
package cli

import (
	"io"
	"log/slog"

	"github.com/jmylchreest/surface-dtx/internal/config"
)

// NewLogger creates a text logger and installs it as the default. Passing a
// *slog.LevelVar lets the level change at runtime.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey || len(groups) > 0 {
				return a
			}
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= config.LevelTrace {
				a.Value = slog.StringValue("TRACE")
			}
			return a
		},
	}

	logger := slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
	return logger
}
