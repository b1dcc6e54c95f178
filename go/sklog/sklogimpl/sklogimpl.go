// Package sklogimpl defines the interface for the logging implementation used
// by sklog. Splitting the interface from the facade lets applications swap the
// backend (stderr, files, cloud logging) without touching call sites.
package sklogimpl

import (
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	}
	return "UNKNOWN"
}

// Logger is implemented by logging backends.
type Logger interface {
	// Log a message at the given severity. If format is the empty string the
	// args are formatted with fmt.Sprint, otherwise with fmt.Sprintf. The
	// depth is the number of stack frames to skip when reporting the call
	// site, 0 meaning the caller of Log.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger changes the logging backend. Must be called before any logging
// takes place, typically from an init() or from main.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log records a single log line via the configured Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush flushes the configured Logger.
func Flush() {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Flush()
}
