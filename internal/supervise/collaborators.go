package supervise

import (
	"context"
	"os"
	"time"
)

// ProcessHandle reports on a running OS process.
type ProcessHandle interface {
	Exists() bool
	Memory() (uint64, error)
	PercentCPU() (float64, error)
}

// ProcessController runs and signals the process behind a Watch.
type ProcessController interface {
	// Start launches the process and returns its pid.
	Start(ctx context.Context) (int, error)
	Stop(ctx context.Context) error
	// Restart returns ErrNoCommand when no restart command is configured.
	Restart(ctx context.Context) error
	Signal(sig os.Signal) error
	PID() int
	Alive() bool
	PIDFile() string
	// Command describes the command run for action, or "" if none is set.
	Command(action State) string
	// Handle returns a handle on the current process, or nil if not running.
	Handle() ProcessHandle
	Validate() error
}

// EventKind names a kernel process event.
type EventKind string

const (
	EventProcExit EventKind = "proc_exit"
	EventProcFork EventKind = "proc_fork"
)

// EventSource delivers asynchronous process events.
type EventSource interface {
	// Loaded reports whether a working platform backend is available.
	Loaded() bool
	Register(pid int, kind EventKind, cb func()) error
	Deregister(pid int, kind EventKind)
	// Run dispatches events to registered callbacks until ctx is done.
	Run(ctx context.Context) error
}

type noEvents struct{}

func (noEvents) Loaded() bool { return false }
func (noEvents) Register(int, EventKind, func()) error {
	return ErrEventsUnavailable
}
func (noEvents) Deregister(int, EventKind) {}
func (noEvents) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Recorder receives engine instrumentation.
type Recorder interface {
	Transition(task string, from, to State)
	PollResult(task, condition string, result bool)
	EventTriggered(task, condition string)
	Notification(contact string, err error)
	RegistrationRetry(task string)
	Tasks(n int)
}

type nopRecorder struct{}

func (nopRecorder) Transition(string, State, State) {}
func (nopRecorder) PollResult(string, string, bool) {}
func (nopRecorder) EventTriggered(string, string)   {}
func (nopRecorder) Notification(string, error)      {}
func (nopRecorder) RegistrationRetry(string)        {}
func (nopRecorder) Tasks(int)                       {}

// LogSource returns the lines captured for a task after a point in time.
type LogSource interface {
	Since(task string, t time.Time) []string
}
