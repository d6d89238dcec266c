// Package fleetlog defines the minimal structured logging interface
// shared by the connection coordinator and its collaborator
// subpackages. It is a leaf package: nothing in fleetlog imports the
// root fleetconn package, so cmdtracker, heartbeat, and shutdown can
// depend on it without creating an import cycle back through
// fleetconn.
package fleetlog

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Logger is the minimal structured logging interface used throughout the
// coordinator and its subpackages. Implementations should be safe for
// concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// With returns a child logger that tags every subsequent entry with
	// component, e.g. "coordinator", "cmdtracker", "heartbeat".
	With(component string) Logger
}

// NoOpLogger discards everything. It is the default when no logger is
// injected, matching the "logging is injected" design note.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) With(string) Logger                    { return NoOpLogger{} }

// StdLogger is a small structured logger on top of the standard library's
// log package, for use when the host hasn't wired in its own logging
// stack. It is not meant to replace a production logging library; hosts
// embedding this module in a larger service are expected to supply their
// own Logger implementation.
type StdLogger struct {
	mu        sync.Mutex
	component string
}

// NewStdLogger creates a logger that writes structured lines to the
// standard logger.
func NewStdLogger() *StdLogger {
	return &StdLogger{}
}

func (l *StdLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *StdLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *StdLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *StdLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *StdLogger) With(component string) Logger {
	return &StdLogger{component: component}
}

func (l *StdLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", level))
	if l.component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", l.component))
	}
	parts = append(parts, msg)
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	log.Println(strings.Join(parts, " "))
}
