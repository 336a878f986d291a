// Package logrusadapter provides a logger that writes to a github.com/sirupsen/logrus.Logger
// log.
package logrusadapter

import (
	"context"

	"github.com/finchdb/pgfinch"
	"github.com/sirupsen/logrus"
)

type Logger struct {
	l logrus.FieldLogger
}

func NewLogger(l logrus.FieldLogger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(ctx context.Context, level pgfinch.LogLevel, msg string, data map[string]interface{}) {
	var logger logrus.FieldLogger
	if data != nil {
		logger = l.l.WithFields(data)
	} else {
		logger = l.l
	}

	switch level {
	case pgfinch.LogLevelTrace:
		logger.WithField("PGFINCH_LOG_LEVEL", level).Debug(msg)
	case pgfinch.LogLevelDebug:
		logger.Debug(msg)
	case pgfinch.LogLevelInfo:
		logger.Info(msg)
	case pgfinch.LogLevelWarn:
		logger.Warn(msg)
	case pgfinch.LogLevelError:
		logger.Error(msg)
	default:
		logger.WithField("INVALID_PGFINCH_LOG_LEVEL", level).Error(msg)
	}
}
