// Package log provides an opiniated logging facility with 4 log levels and
// structured fields. Components obtain a Logger, attach fields, and write
// events to a pluggable output.
package log

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Level represents a log level.
type Level uint

const (
	Lsilent Level = 0
	Lerror  Level = 1
	Lwarn   Level = 2
	Linfo   Level = 3
	Ldebug  Level = 4
)

// String returns a string representing the log level.
func (level Level) String() string {
	names := []string{
		"SILENT",
		"ERROR",
		"WARN",
		"INFO",
		"DEBUG",
	}

	if level > Ldebug {
		return "UNKNOWN"
	}

	return names[level]
}

// ParseLevel interprets a level name. Unknown names fall back to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(name) {
	case "silent":
		return Lsilent
	case "error":
		return Lerror
	case "warn":
		return Lwarn
	case "debug":
		return Ldebug
	default:
		return Linfo
	}
}

type Fields map[string]interface{}

// Logger is an interface that provides means for writing log messages.
//
// A message is written to the output if the level of the message has the
// same or a higher severity than the output. Otherwise it is discarded.
type Logger interface {
	// WithOutput returns a new Logger that writes to the provided Writer.
	WithOutput(w Writer) Logger

	// WithComponent returns a new Logger with the given component name. The
	// component is printed along the message.
	WithComponent(component string) Logger

	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger

	WithError(err error) Logger

	Log(format string, args ...interface{})

	// Debug, Info, Warn, and Error return a Logger whose next Log call
	// writes a message with the respective level.
	Debug() Logger
	Info() Logger
	Warn() Logger
	Error() Logger

	// Write implements the io.Writer interface such that the logger can be
	// handed to facilities expecting one. Lines are written with debug level.
	Write(p []byte) (int, error)
}

type logger struct {
	output    Writer
	component string
}

// New returns an implementation of the Logger interface.
func New(component string) Logger {
	return &logger{
		component: component,
	}
}

func (l *logger) clone() *logger {
	return &logger{
		output:    l.output,
		component: l.component,
	}
}

func (l *logger) WithOutput(w Writer) Logger {
	clone := l.clone()
	clone.output = w

	return clone
}

func (l *logger) WithComponent(component string) Logger {
	clone := l.clone()
	clone.component = component

	return clone
}

func (l *logger) WithField(key string, value interface{}) Logger {
	return newEvent(l).WithField(key, value)
}

func (l *logger) WithFields(f Fields) Logger {
	return newEvent(l).WithFields(f)
}

func (l *logger) WithError(err error) Logger {
	return newEvent(l).WithError(err)
}

func (l *logger) Log(format string, args ...interface{}) {
	newEvent(l).Log(format, args...)
}

func (l *logger) Debug() Logger { return newEvent(l).Debug() }
func (l *logger) Info() Logger  { return newEvent(l).Info() }
func (l *logger) Warn() Logger  { return newEvent(l).Warn() }
func (l *logger) Error() Logger { return newEvent(l).Error() }

func (l *logger) Write(p []byte) (int, error) {
	return newEvent(l).Write(p)
}

// Event is a single log message with its metadata. It accumulates fields
// until Log is called.
type Event struct {
	logger *logger

	Time      time.Time
	Level     Level
	Component string
	Message   string

	Data Fields
}

func newEvent(l *logger) *Event {
	return &Event{
		logger:    l,
		Component: l.component,
		Data:      Fields{},
	}
}

func (e *Event) clone() *Event {
	return &Event{
		logger:    e.logger,
		Time:      e.Time,
		Level:     e.Level,
		Component: e.Component,
		Message:   e.Message,
		Data:      maps.Clone(e.Data),
	}
}

func (e *Event) WithOutput(w Writer) Logger {
	return e.logger.WithOutput(w)
}

func (e *Event) WithComponent(component string) Logger {
	clone := e.clone()
	clone.Component = component

	return clone
}

func (e *Event) WithField(key string, value interface{}) Logger {
	return e.WithFields(Fields{key: value})
}

func (e *Event) WithFields(f Fields) Logger {
	clone := e.clone()

	for k, v := range f {
		clone.Data[k] = v
	}

	return clone
}

func (e *Event) WithError(err error) Logger {
	if err == nil {
		return e
	}

	return e.WithFields(Fields{"error": err.Error()})
}

func (e *Event) Log(format string, args ...interface{}) {
	n := e.clone()

	n.Time = time.Now()

	if n.Level == Lsilent {
		n.Level = Ldebug
	}

	if len(format) != 0 {
		if len(args) == 0 {
			n.Message = format
		} else {
			n.Message = fmt.Sprintf(format, args...)
		}
	}

	if e.logger.output != nil {
		e.logger.output.Write(n)
	}
}

func (e *Event) Debug() Logger {
	clone := e.clone()
	clone.Level = Ldebug

	return clone
}

func (e *Event) Info() Logger {
	clone := e.clone()
	clone.Level = Linfo

	return clone
}

func (e *Event) Warn() Logger {
	clone := e.clone()
	clone.Level = Lwarn

	return clone
}

func (e *Event) Error() Logger {
	clone := e.clone()
	clone.Level = Lerror

	return clone
}

func (e *Event) Write(p []byte) (int, error) {
	e.Log("%s", strings.TrimSpace(string(p)))

	return len(p), nil
}
