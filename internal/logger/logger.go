package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global *Logger

// Logger wraps zap.SugaredLogger so components can carry their own fields.
type Logger struct {
	*zap.SugaredLogger
}

// Init builds the process logger. env "production" switches to JSON output.
func Init(level, env string) error {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	z, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	global = &Logger{SugaredLogger: z.Sugar()}
	return nil
}

// Get returns the process logger, falling back to a development logger.
func Get() *Logger {
	if global == nil {
		z, _ := zap.NewDevelopment()
		global = &Logger{SugaredLogger: z.Sugar()}
	}
	return global
}

// Nop discards everything; handy in tests.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// With returns a child logger with extra key/value fields.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...)}
}

// Named tags the logger with a component field.
func (l *Logger) Named(component string) *Logger {
	return l.With("component", component)
}

func Sync() error {
	if global != nil {
		return global.Sync()
	}
	return nil
}
