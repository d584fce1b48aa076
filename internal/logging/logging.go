// Package logging holds the process-wide slog logger. Packages that
// have no logger injected (the hub, the media writers) log through L;
// main replaces the default once the configuration is parsed.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(New("text", slog.LevelInfo, os.Stderr))
}

// L returns the current process logger.
func L() *slog.Logger { return current.Load() }

// Set installs l as the process logger. A nil l is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		current.Store(l)
	}
}

// New builds a logger writing to w at the given level. format selects
// the handler, "json" or "text"; anything else falls back to text.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
