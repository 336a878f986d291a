// Package zapadapter provides a logger that writes to a go.uber.org/zap.Logger.
package zapadapter

import (
	"context"

	"github.com/finchdb/pgfinch"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (pl *Logger) Log(ctx context.Context, level pgfinch.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zapcore.Field, len(data))
	i := 0
	for k, v := range data {
		fields[i] = zap.Any(k, v)
		i++
	}

	switch level {
	case pgfinch.LogLevelTrace:
		pl.logger.Debug(msg, append(fields, zap.Stringer("PGFINCH_LOG_LEVEL", level))...)
	case pgfinch.LogLevelDebug:
		pl.logger.Debug(msg, fields...)
	case pgfinch.LogLevelInfo:
		pl.logger.Info(msg, fields...)
	case pgfinch.LogLevelWarn:
		pl.logger.Warn(msg, fields...)
	case pgfinch.LogLevelError:
		pl.logger.Error(msg, fields...)
	default:
		pl.logger.Error(msg, append(fields, zap.Stringer("INVALID_PGFINCH_LOG_LEVEL", level))...)
	}
}
