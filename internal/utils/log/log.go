package log

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(newLogger(zapcore.DebugLevel, false))
}

func newLogger(level zapcore.Level, json bool) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if json {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Setup replaces the process logger. level is one of debug, info, warn, error.
func Setup(level string, json bool) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	logger.Store(newLogger(lvl, json))
	return nil
}

// Replace swaps the process logger, e.g. for zap.NewNop() in tests.
func Replace(l *zap.Logger) {
	logger.Store(l.WithOptions(zap.AddCallerSkip(1)))
}

// Logger returns the underlying zap logger.
func Logger() *zap.Logger { return logger.Load() }

// Named returns a child logger for a component. It logs through zap
// directly, so call sites use its methods rather than the helpers below.
func Named(name string) *zap.Logger {
	return logger.Load().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

func Sync() { _ = logger.Load().Sync() }

func Debug(msg string, fields ...zap.Field) { logger.Load().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger.Load().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger.Load().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger.Load().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { logger.Load().Fatal(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	logger.Load().Error(fmt.Sprintf(format, args...))
}
