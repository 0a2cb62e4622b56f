// Package logging wraps slog with the correlation attrs used across the
// kernel: app name and namespace.
package logging

import "log/slog"

// Logger is a minimal wrapper allowing correlation injection.
type Logger interface {
	Info(msg string, attrs ...any)
	Warn(msg string, attrs ...any)
	Error(msg string, attrs ...any)
	Debug(msg string, attrs ...any)
	WithApp(name string) Logger
	WithNamespace(ns string) Logger
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapper. A nil base falls back to
// slog.Default().
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) Info(msg string, attrs ...any)  { l.base.Info(msg, attrs...) }
func (l *correlatedLogger) Warn(msg string, attrs ...any)  { l.base.Warn(msg, attrs...) }
func (l *correlatedLogger) Error(msg string, attrs ...any) { l.base.Error(msg, attrs...) }
func (l *correlatedLogger) Debug(msg string, attrs ...any) { l.base.Debug(msg, attrs...) }

func (l *correlatedLogger) WithApp(name string) Logger {
	return &correlatedLogger{base: l.base.With(slog.String("app", name))}
}

func (l *correlatedLogger) WithNamespace(ns string) Logger {
	return &correlatedLogger{base: l.base.With(slog.String("namespace", ns))}
}
