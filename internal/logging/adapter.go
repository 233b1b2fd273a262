package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/Zereker/duplex"
)

// Logrus adapts a logrus logger or entry to duplex.Logger. Key/value
// arguments become entry fields.
func Logrus(l logrus.FieldLogger) duplex.Logger {
	return logrusLogger{l: l}
}

type logrusLogger struct {
	l logrus.FieldLogger
}

func (a logrusLogger) Debug(msg string, args ...any) { a.l.WithFields(fields(args)).Debug(msg) }
func (a logrusLogger) Info(msg string, args ...any)  { a.l.WithFields(fields(args)).Info(msg) }
func (a logrusLogger) Warn(msg string, args ...any)  { a.l.WithFields(fields(args)).Warn(msg) }
func (a logrusLogger) Error(msg string, args ...any) { a.l.WithFields(fields(args)).Error(msg) }

// fields pairs up slog-style arguments. A trailing key without a value is
// kept under "!BADKEY", as slog does.
func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			f["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		f[key] = args[i+1]
	}
	return f
}

// Zap adapts a zap logger to duplex.Logger through its sugared form.
func Zap(l *zap.Logger) duplex.Logger {
	return zapLogger{s: l.Sugar()}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (a zapLogger) Debug(msg string, args ...any) { a.s.Debugw(msg, args...) }
func (a zapLogger) Info(msg string, args ...any)  { a.s.Infow(msg, args...) }
func (a zapLogger) Warn(msg string, args ...any)  { a.s.Warnw(msg, args...) }
func (a zapLogger) Error(msg string, args ...any) { a.s.Errorw(msg, args...) }
