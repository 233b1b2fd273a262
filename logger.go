package duplex

import "log/slog"

// Logger receives the structured records emitted by clients, servers and
// connections. *slog.Logger satisfies it; internal/logging adapts logrus and zap.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that drops every record.
func NopLogger() Logger { return nopLogger{} }
