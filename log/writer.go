package log

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Writer receives log events from a Logger.
type Writer interface {
	Write(e *Event) error
}

type syncWriter struct {
	writer Writer
	lock   sync.Mutex
}

// NewSyncWriter wraps a Writer such that writes are serialized.
func NewSyncWriter(w Writer) Writer {
	return &syncWriter{
		writer: w,
	}
}

func (w *syncWriter) Write(e *Event) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.writer.Write(e)
}

type consoleWriter struct {
	writer    io.Writer
	level     Level
	formatter Formatter
}

// NewConsoleWriter returns a Writer that writes human readable lines to w.
// Colors are only used if w is a terminal.
func NewConsoleWriter(w io.Writer, level Level, useColor bool) Writer {
	writer := &consoleWriter{
		writer: w,
		level:  level,
	}

	color := useColor

	if color {
		if f, ok := w.(*os.File); ok {
			if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
				color = false
			}
		} else {
			color = false
		}
	}

	writer.formatter = NewConsoleFormatter(color)

	return NewSyncWriter(writer)
}

func (w *consoleWriter) Write(e *Event) error {
	if w.level < e.Level || e.Level == Lsilent {
		return nil
	}

	_, err := w.writer.Write(w.formatter.Bytes(e))

	return err
}

type jsonWriter struct {
	writer    io.Writer
	level     Level
	formatter Formatter
}

// NewJSONWriter returns a Writer that writes one JSON object per event to w.
func NewJSONWriter(w io.Writer, level Level) Writer {
	writer := &jsonWriter{
		writer:    w,
		level:     level,
		formatter: NewJSONFormatter(),
	}

	return NewSyncWriter(writer)
}

func (w *jsonWriter) Write(e *Event) error {
	if w.level < e.Level || e.Level == Lsilent {
		return nil
	}

	_, err := w.writer.Write(w.formatter.Bytes(e))

	return err
}

type discardWriter struct{}

// NewDiscardWriter returns a Writer that silently drops all events.
func NewDiscardWriter() Writer {
	return &discardWriter{}
}

func (w *discardWriter) Write(e *Event) error { return nil }
