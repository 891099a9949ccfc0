// Package log provides the minimal logging interface used throughout the
// module. Components take a log.Logger only via context (log.ToContext /
// log.FromContext); nothing here depends on a concrete backend.
package log

//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 -o logmock/fake_logger.go . Logger

// Logger is a minimal structured-logging interface. Implementations decide
// how to render keysAndValues (alternating key, value pairs).
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}
