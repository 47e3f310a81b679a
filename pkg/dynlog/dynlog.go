// Package dynlog emits log statements for logpoint-style breakpoints:
// breakpoints that, instead of capturing a snapshot, inject a log line
// with evaluated watch values each time they are hit.
package dynlog

import (
	"log/slog"
	"sync/atomic"
)

// Logger writes logpoint output through a structured logger.
type Logger struct {
	out   *slog.Logger
	ready atomic.Bool
}

// New creates a logger writing to out. Nothing is emitted until
// Initialize is called.
func New(out *slog.Logger) *Logger {
	if out == nil {
		out = slog.Default()
	}
	return &Logger{out: out}
}

// Initialize marks the logger ready. Hits arriving before the agent
// finished initializing are dropped rather than half-formatted.
func (l *Logger) Initialize() {
	l.ready.Store(true)
}

// ForBreakpoint returns a logger carrying the breakpoint's identity,
// used for every hit of that breakpoint.
func (l *Logger) ForBreakpoint(id, class string, line int) *slog.Logger {
	return l.out.With("breakpoint_id", id, "class", class, "line", line)
}

// Emit writes one logpoint hit. bp comes from ForBreakpoint.
func (l *Logger) Emit(bp *slog.Logger, message string, watches map[string]string) {
	if !l.ready.Load() {
		return
	}
	args := make([]any, 0, 2*len(watches))
	for name, value := range watches {
		args = append(args, name, value)
	}
	bp.Info(message, args...)
}
