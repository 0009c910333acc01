package kgo

import (
	"os"

	"github.com/rs/zerolog"
)

// LogLevel is a None/Error/Warn/Info/Debug severity scale.
type LogLevel int8

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// Logger is the injectable logging seam every component in this module
// writes through.
type Logger interface {
	Level() LogLevel
	Log(level LogLevel, msg string, keyvals ...interface{})
}

// nopLogger is the default: every component works fine with no logger
// configured.
type nopLogger struct{}

func (nopLogger) Level() LogLevel { return LogLevelNone }
func (nopLogger) Log(LogLevel, string, ...interface{}) {}

// ZerologLogger adapts github.com/rs/zerolog.Logger to the Logger
// interface. It is opt-in via WithLogger and never constructed by
// default.
type ZerologLogger struct {
	level LogLevel
	zl    zerolog.Logger
}

// NewZerologLogger returns a Logger backed by a zerolog.Logger writing to
// os.Stderr with the given minimum level.
func NewZerologLogger(level LogLevel) *ZerologLogger {
	return &ZerologLogger{
		level: level,
		zl:    zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

func (l *ZerologLogger) Level() LogLevel { return l.level }

func (l *ZerologLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	if level > l.level {
		return
	}
	var ev *zerolog.Event
	switch level {
	case LogLevelError:
		ev = l.zl.Error()
	case LogLevelWarn:
		ev = l.zl.Warn()
	case LogLevelInfo:
		ev = l.zl.Info()
	default:
		ev = l.zl.Debug()
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
}
