// Package logging wraps zerolog in a small struct carrying structured
// fields, plus a global instance constructed once at process start and
// threaded everywhere else by explicit composition.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config controls construction of a Logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // "json" or "console"
	Output io.Writer
}

// Logger is a structured logger carrying component/task context.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger builds a Logger from cfg, defaulting Output to os.Stderr and
// Level to "info" when unset.
func NewLogger(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writer io.Writer = out
	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: out}
	}

	zl := zerolog.New(writer).With().Timestamp().Logger().Level(level)
	return &Logger{zl: zl}
}

// addFields applies an even key/value pair list to a zerolog event.
func addFields(e *zerolog.Event, fields []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, fields[i+1])
	}
	return e
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	addFields(l.zl.Debug(), fields).Msg(msg)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	addFields(l.zl.Info(), fields).Msg(msg)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	addFields(l.zl.Warn(), fields).Msg(msg)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	addFields(l.zl.Error(), fields).Msg(msg)
}

func (l *Logger) Fatal(msg string, fields ...interface{}) {
	addFields(l.zl.Fatal(), fields).Msg(msg)
}

// WithField returns a derived Logger carrying an additional field on every
// subsequent call.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithFields is like WithField for a whole map at once.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger()}
}

// WithTask returns a derived Logger scoped to a task_id and component,
// the structured fields every queue-boundary log line carries.
func (l *Logger) WithTask(component, taskID string) *Logger {
	return l.WithFields(map[string]interface{}{"component": component, "task_id": taskID})
}

// GetZerologLogger exposes the underlying zerolog.Logger for callers that
// need direct access (e.g. to pass to a third-party library's logger hook).
func (l *Logger) GetZerologLogger() zerolog.Logger {
	return l.zl
}

var global = NewLogger(Config{})

// InitGlobalLogger replaces the package-level global logger. Call once at
// process start; every package-level convenience function below delegates
// to the instance installed here.
func InitGlobalLogger(cfg Config) {
	global = NewLogger(cfg)
}

// Global returns the current global logger instance.
func Global() *Logger { return global }

func Debug(msg string, fields ...interface{}) { global.Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { global.Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { global.Warn(msg, fields...) }
func Error(msg string, fields ...interface{}) { global.Error(msg, fields...) }
func Fatal(msg string, fields ...interface{}) { global.Fatal(msg, fields...) }
