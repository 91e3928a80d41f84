// Package xlog provides the structured logging seam shared by every
// package in this module. It exists so that internal packages depend on
// a small type alias instead of importing log/slog (and, more
// importantly, so call sites can treat a nil logger as "logging
// disabled" without every package re-implementing that guard).
package xlog

import "log/slog"

// Logger is a type alias for slog.Logger. Every exported constructor in
// this module accepts a *Logger and treats nil as "discard everything".
type Logger = slog.Logger

// Attr is a type alias for slog.Attr, re-exported for call sites that
// build attributes without importing log/slog directly.
type Attr = slog.Attr

// Attribute constructors, re-exported from slog for convenience.
var (
	String   = slog.String
	Int      = slog.Int
	Duration = slog.Duration
	Any      = slog.Any
	Bool     = slog.Bool
)

// Nop returns a logger that discards everything. Useful in tests and as
// a non-nil default when a caller passes nil but a component wants to
// avoid nil checks at every call site.
func Nop() *Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Debug logs at debug level iff l is non-nil.
func Debug(l *Logger, msg string, args ...any) {
	if l != nil {
		l.Debug(msg, args...)
	}
}

// Info logs at info level iff l is non-nil.
func Info(l *Logger, msg string, args ...any) {
	if l != nil {
		l.Info(msg, args...)
	}
}

// Warn logs at warn level iff l is non-nil.
func Warn(l *Logger, msg string, args ...any) {
	if l != nil {
		l.Warn(msg, args...)
	}
}

// Error logs at error level iff l is non-nil.
func Error(l *Logger, msg string, args ...any) {
	if l != nil {
		l.Error(msg, args...)
	}
}
