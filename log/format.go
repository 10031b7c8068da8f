package log

import (
	"fmt"
	"sort"
	"time"

	"github.com/onvifcam/gateway/encoding/json"
)

// Formatter turns an event into bytes for a Writer.
type Formatter interface {
	Bytes(e *Event) []byte
	String(e *Event) string
}

type jsonFormatter struct{}

func NewJSONFormatter() Formatter {
	return &jsonFormatter{}
}

func (f *jsonFormatter) Bytes(e *Event) []byte {
	data := make(map[string]interface{}, len(e.Data)+4)

	for k, v := range e.Data {
		data[k] = v
	}

	data["ts"] = e.Time
	data["level"] = e.Level.String()
	data["component"] = e.Component

	if len(e.Message) != 0 {
		data["message"] = e.Message
	}

	line, _ := json.Marshal(data)

	return append(line, '\n')
}

func (f *jsonFormatter) String(e *Event) string {
	return string(f.Bytes(e))
}

type consoleFormatter struct {
	color bool
}

func NewConsoleFormatter(useColor bool) Formatter {
	return &consoleFormatter{
		color: useColor,
	}
}

const (
	termReset  = "\033[0m"
	termRed    = "\033[31m"
	termYellow = "\033[33m"
	termCyan   = "\033[36m"
)

func (f *consoleFormatter) Bytes(e *Event) []byte {
	return []byte(f.String(e))
}

func (f *consoleFormatter) String(e *Event) string {
	datetime := e.Time.UTC().Format(time.RFC3339)
	level := e.Level.String()

	if f.color {
		switch e.Level {
		case Lerror:
			level = termRed + level + termReset
		case Lwarn:
			level = termYellow + level + termReset
		case Ldebug:
			level = termCyan + level + termReset
		}
	}

	line := fmt.Sprintf("%s %s %s", datetime, level, e.Component)

	if len(e.Message) != 0 {
		line += " " + e.Message
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, e.Data[k])
	}

	return line + "\n"
}
