// Package logging builds the duplexd process logger from configuration and
// adapts logrus and zap to duplex.Logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/internal/config"
)

// New builds the logger described by c. The returned close function flushes
// and releases the log output; call it before exit.
func New(c config.LogConfig) (duplex.Logger, func() error, error) {
	out, closeOut, err := output(c)
	if err != nil {
		return nil, nil, err
	}

	switch strings.ToLower(c.Backend) {
	case "", "logrus":
		return Logrus(newLogrus(c, out)), closeOut, nil
	case "zap":
		z := newZap(c, out)
		return Zap(z), func() error {
			_ = z.Sync()
			return closeOut()
		}, nil
	default:
		_ = closeOut()
		return nil, nil, fmt.Errorf("unknown log backend %q", c.Backend)
	}
}

// output opens the configured destination: stderr, a plain file, or a
// rotating file when rotation is enabled.
func output(c config.LogConfig) (io.Writer, func() error, error) {
	nop := func() error { return nil }

	switch strings.ToLower(c.File) {
	case "", "stderr":
		return os.Stderr, nop, nil
	case "stdout":
		return os.Stdout, nop, nil
	}

	if c.Rotation.Enable {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    max(c.Rotation.MaxSizeMB, 1),
			MaxBackups: c.Rotation.MaxBackups,
			MaxAge:     c.Rotation.MaxAgeDays,
			Compress:   c.Rotation.Compress,
		}
		return lj, lj.Close, nil
	}

	if dir := filepath.Dir(c.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "create log directory")
		}
	}
	f, err := os.OpenFile(c.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open log file")
	}
	return f, f.Close, nil
}

func newLogrus(c config.LogConfig, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}

func newZap(c config.LogConfig, out io.Writer) *zap.Logger {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.Level) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if c.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
}
