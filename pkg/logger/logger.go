package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field aliases for zap fields
type Field = zapcore.Field

// Helper functions for creating fields
var (
	// String creates a field with a string value
	String = zap.String
	// Int creates a field with an int value
	Int = zap.Int
	// Int64 creates a field with an int64 value
	Int64 = zap.Int64
	// Float64 creates a field with a float64 value
	Float64 = zap.Float64
	// Bool creates a field with a bool value
	Bool = zap.Bool
	// Time creates a field with a time.Time value
	Time = zap.Time
	// Duration creates a field with a time.Duration value
	Duration = zap.Duration
	// Error creates a field with an error value
	Error = zap.Error
	// Any creates a field with any value
	Any = zap.Any
)

// Logger is a wrapper around zap.Logger
type Logger struct {
	*zap.Logger
}

// Config represents logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Colored level encoder for console output
func coloredLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.ErrorLevel:
		enc.AppendString("\033[1;31m" + level.String() + "\033[0m")
	case zapcore.WarnLevel:
		enc.AppendString("\033[1;33m" + level.String() + "\033[0m")
	case zapcore.InfoLevel:
		enc.AppendString("\033[1;36m" + level.String() + "\033[0m")
	case zapcore.DebugLevel:
		enc.AppendString("\033[1;37m" + level.String() + "\033[0m")
	default:
		enc.AppendString(level.String())
	}
}

// New creates a new logger with the given configuration.
// Logs go to stderr: recording feedback and capture output own stdout.
func New(config Config) (*Logger, error) {
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		FunctionKey:    zapcore.OmitKey,
		CallerKey:      zapcore.OmitKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig.EncodeLevel = coloredLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)

	logger := zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{Logger: logger}, nil
}

// Nop returns a logger that discards all output. Intended for tests.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// parseLogLevel parses the log level string
func parseLogLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level: %s", level)
	}
}

// With returns a logger with the given fields
func (l *Logger) With(fields ...zapcore.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named returns a logger with the given name
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

// WithError returns a logger with the error field
func (l *Logger) WithError(err error) *Logger {
	return l.With(zap.Error(err))
}
