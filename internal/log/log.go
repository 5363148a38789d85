// Package log provides the small leveled-logging facade used throughout
// modscan: a Logger interface logging leveled key/value pairs, a Helper
// wrapping one with printf-style convenience methods, and a level filter
// that can suppress chatty levels in production.
package log

import (
	"fmt"
	"log"
	"os"
)

// Level is a logging severity.
type Level uint8

// Severity levels, lowest first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger logs a leveled message built from alternating key/value pairs.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

// stdLogger writes to a stdlib *log.Logger.
type stdLogger struct {
	std *log.Logger
}

// NewStdLogger returns a Logger backed by the standard library logger
// writing to os.Stderr.
func NewStdLogger() Logger {
	return &stdLogger{std: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	msg := fmt.Sprint(keyvals...)
	l.std.Printf("[%s] %s", level, msg)
	return nil
}

// Filter wraps a Logger and drops messages below a minimum level.
type Filter struct {
	next Logger
	min  Level
}

// NewFilter returns a Logger that forwards to next only messages at or
// above min.
func NewFilter(next Logger, min Level) *Filter {
	return &Filter{next: next, min: min}
}

func (f *Filter) Log(level Level, keyvals ...interface{}) error {
	if level < f.min {
		return nil
	}
	return f.next.Log(level, keyvals...)
}

// FilterLevel is an option-style constructor for NewFilter call sites:
// log.NewFilter(logger, log.FilterLevel(log.LevelError)).
func FilterLevel(min Level) Level { return min }

// Helper wraps a Logger with printf-style convenience methods.
type Helper struct {
	logger Logger
}

// NewHelper returns a Helper delegating to logger.
func NewHelper(logger Logger) *Helper {
	if logger == nil {
		logger = NewStdLogger()
	}
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, format string, args ...interface{}) {
	h.logger.Log(level, fmt.Sprintf(format, args...))
}

// Debugf logs at debug level.
func (h *Helper) Debugf(format string, args ...interface{}) { h.log(LevelDebug, format, args...) }

// Infof logs at info level.
func (h *Helper) Infof(format string, args ...interface{}) { h.log(LevelInfo, format, args...) }

// Warnf logs at warn level.
func (h *Helper) Warnf(format string, args ...interface{}) { h.log(LevelWarn, format, args...) }

// Errorf logs at error level.
func (h *Helper) Errorf(format string, args ...interface{}) { h.log(LevelError, format, args...) }

// Warn logs a plain warning message without formatting.
func (h *Helper) Warn(args ...interface{}) {
	h.logger.Log(LevelWarn, fmt.Sprint(args...))
}

// Debug logs a plain debug message without formatting.
func (h *Helper) Debug(args ...interface{}) {
	h.logger.Log(LevelDebug, fmt.Sprint(args...))
}
