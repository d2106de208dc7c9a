package core

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init initializes zap's global logger
// After calling this, we use zap.L() directly.
func Init(pretty bool, level string) error {
	var config zap.Config

	if pretty {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// LogCall logs an interpreter entry point invocation using zap's global logger
func LogCall(entry string, instance int, duration float64, err error) {
	fields := []zap.Field{
		zap.String("entry", entry),
		zap.Int("instance", instance),
		zap.Float64("duration_seconds", duration),
		zap.Bool("success", err == nil),
	}

	if err != nil {
		fields = append(fields, zap.Error(err), zap.String("kind", string(KindOf(err))))
		zap.L().Error("Interpreter call failed", fields...)
		return
	}

	zap.L().Debug("Interpreter call completed", fields...)
}

// LogRequest logs an HTTP request using zap's global logger
func LogRequest(method string, path string, status int, duration float64, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Float64("duration_seconds", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err), zap.String("kind", string(KindOf(err))))
		zap.L().Error("Request failed", fields...)
		return
	}

	if status >= 500 {
		zap.L().Error("Request failed", fields...)
		return
	}

	zap.L().Info("Request completed", fields...)
}

// LogDeferredError runs fn and logs the error it returns, if any.
// Intended for deferred Close calls whose error has nowhere else to go.
func LogDeferredError(fn func() error) {
	if err := fn(); err != nil {
		zap.L().Error("Deferred error", zap.Error(err), zap.ByteString("stack", debug.Stack()))
	}
}

// LogPanicRecovery logs a value recovered from a panic in component.
func LogPanicRecovery(component string, recovered any) {
	zap.L().Error("Panic recovered",
		zap.String("component", component),
		zap.Any("panic_value", recovered),
		zap.ByteString("stack", debug.Stack()))
}
