package supervise

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateName is returned when a task, group or contact name is taken.
	ErrDuplicateName = errors.New("name already in use")
	// ErrInvalidState is returned for a state the task does not declare.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnknownCommand is returned by Control for an unrecognised command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrNoSuchWatch is returned when a pattern matches no task.
	ErrNoSuchWatch = errors.New("no such watch")
	// ErrNoSuchCondition is returned for an unregistered condition kind.
	ErrNoSuchCondition = errors.New("no such condition")
	// ErrNoSuchContact is returned for an unregistered contact kind.
	ErrNoSuchContact = errors.New("no such contact")
	// ErrNoSuchBehavior is returned for an unregistered behavior kind.
	ErrNoSuchBehavior = errors.New("no such behavior")
	// ErrEventRegistrationFailed is returned when an event condition cannot
	// be registered with the event source during a move.
	ErrEventRegistrationFailed = errors.New("event registration failed")
	// ErrEventsUnavailable is returned when an event condition is defined but
	// no working event source is loaded.
	ErrEventsUnavailable = errors.New("event system not loaded")
	// ErrNoCommand is returned by a process controller that has no command
	// configured for the requested action.
	ErrNoCommand = errors.New("no command configured")
	// ErrNotImplemented marks a capability an extension did not provide.
	ErrNotImplemented = errors.New("not implemented")
	// ErrDriverStopped is returned when a message is sent to a stopped driver.
	ErrDriverStopped = errors.New("driver stopped")
)

// ValidationError describes a rejected definition.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Subject, e.Reason)
}

func invalid(subject, format string, args ...any) error {
	return &ValidationError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}
