package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogLevel = "info"

// NewLogger constructs a structured JSON logger. The level comes from the
// argument, then LOG_LEVEL, then defaults to info.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if err := atomic.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil || strings.TrimSpace(level) == "" {
		_ = atomic.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:             atomic,
		Encoding:          "json",
		EncoderConfig:     EncoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// EncoderConfig is shared by the service logger and tests that need the same field names.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:    "message",
		TimeKey:       "timestamp",
		LevelKey:      "severity",
		EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:   encodeSeverity,
		CallerKey:     "caller",
		EncodeCaller:  zapcore.ShortCallerEncoder,
		StacktraceKey: "stacktrace",
	}
}

// DPanic is reported as CRITICAL; the logger is never built in development
// mode so it does not panic.
func encodeSeverity(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if level == zapcore.DPanicLevel {
		enc.AppendString("CRITICAL")
		return
	}
	enc.AppendString(strings.ToUpper(level.String()))
}

// Critical logs at the highest non-fatal severity.
func Critical(logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	if ce := logger.Check(zapcore.DPanicLevel, msg); ce != nil {
		ce.Write(fields...)
	}
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// PrintfAdapter adapts zap to printf-style logging interfaces such as cron's.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	return PrintfAdapter{logger: OrNop(logger).Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}
