// Package audit provides append-only structured logging for control
// commands.
//
// Every command that changes what the daemon supervises (control, signal,
// load, quit, terminate) is recorded to an audit log at ~/.vigil/audit.log
// as newline-delimited JSON.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionControl   Action = "control"
	ActionSignal    Action = "signal"
	ActionLoad      Action = "load"
	ActionQuit      Action = "quit"
	ActionTerminate Action = "terminate"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Command   string    `json:"command,omitempty"` // control command, signal name or load action
	Pattern   string    `json:"pattern,omitempty"`
	Tasks     []string  `json:"tasks,omitempty"`
	Actor     string    `json:"actor,omitempty"` // "unix", "tcp"
	Error     string    `json:"error,omitempty"`
}

// Logger writes audit entries to an append-only file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string { return l.path }

// Log writes an audit entry. A nil logger discards it.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	return l.file.Close()
}
