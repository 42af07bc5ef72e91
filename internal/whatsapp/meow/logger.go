package meow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger adapts slog to whatsmeow's printf-style logger.
type slogLogger struct {
	l      *slog.Logger
	module string
	min    slog.Level
}

// NewLogger returns a whatsmeow logger writing to l at or above min.
func NewLogger(l *slog.Logger, module string, min slog.Level) waLog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l, module: module, min: min}
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels. Unknown values are warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func (s *slogLogger) log(level slog.Level, msg string, args []interface{}) {
	if level < s.min {
		return
	}
	s.l.Log(context.Background(), level, fmt.Sprintf(msg, args...), "module", s.module)
}

func (s *slogLogger) Debugf(msg string, args ...interface{}) { s.log(slog.LevelDebug, msg, args) }
func (s *slogLogger) Infof(msg string, args ...interface{})  { s.log(slog.LevelInfo, msg, args) }
func (s *slogLogger) Warnf(msg string, args ...interface{})  { s.log(slog.LevelWarn, msg, args) }
func (s *slogLogger) Errorf(msg string, args ...interface{}) { s.log(slog.LevelError, msg, args) }

func (s *slogLogger) Sub(module string) waLog.Logger {
	name := module
	if s.module != "" {
		name = s.module + "/" + module
	}
	return &slogLogger{l: s.l, module: name, min: s.min}
}
