package log

import "log/slog"

// FromSlog adapts an *slog.Logger to the Logger interface, so a process
// entry point can configure logging once with the standard library and
// have it carried through the rest of the module via context.
func FromSlog(l *slog.Logger) Logger {
	return slogLogger{l: l}
}

type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s slogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s slogLogger) Warn(msg string, keysAndValues ...any)  { s.l.Warn(msg, keysAndValues...) }
func (s slogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }
