// Package kitlogadapter provides a logger that writes to a github.com/go-kit/log.Logger.
package kitlogadapter

import (
	"context"

	"github.com/finchdb/pgfinch"
	"github.com/go-kit/log"
	kitlevel "github.com/go-kit/log/level"
)

type Logger struct {
	l log.Logger
}

func NewLogger(l log.Logger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(ctx context.Context, level pgfinch.LogLevel, msg string, data map[string]interface{}) {
	logger := l.l
	for k, v := range data {
		logger = log.With(logger, k, v)
	}

	switch level {
	case pgfinch.LogLevelTrace:
		logger.Log("PGFINCH_LOG_LEVEL", level, "msg", msg)
	case pgfinch.LogLevelDebug:
		kitlevel.Debug(logger).Log("msg", msg)
	case pgfinch.LogLevelInfo:
		kitlevel.Info(logger).Log("msg", msg)
	case pgfinch.LogLevelWarn:
		kitlevel.Warn(logger).Log("msg", msg)
	case pgfinch.LogLevelError:
		kitlevel.Error(logger).Log("msg", msg)
	default:
		logger.Log("INVALID_PGFINCH_LOG_LEVEL", level, "error", msg)
	}
}
