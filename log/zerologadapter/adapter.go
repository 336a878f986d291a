// Package zerologadapter provides a logger that writes to a github.com/rs/zerolog.
package zerologadapter

import (
	"context"

	"github.com/finchdb/pgfinch"
	"github.com/rs/zerolog"
)

type Logger struct {
	logger zerolog.Logger
}

// NewLogger accepts a zerolog.Logger as input and returns a new custom
// pgfinch logging fascade as output.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("module", "pgfinch").Logger(),
	}
}

func (pl *Logger) Log(ctx context.Context, level pgfinch.LogLevel, msg string, data map[string]interface{}) {
	var zlevel zerolog.Level
	switch level {
	case pgfinch.LogLevelNone:
		zlevel = zerolog.NoLevel
	case pgfinch.LogLevelError:
		zlevel = zerolog.ErrorLevel
	case pgfinch.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case pgfinch.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	case pgfinch.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	default:
		zlevel = zerolog.DebugLevel
	}

	log := pl.logger.With().Fields(data).Logger()
	log.WithLevel(zlevel).Msg(msg)
}
