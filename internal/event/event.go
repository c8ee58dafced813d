// Package event delivers process exit notifications to event conditions.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/vigil/internal/supervise"
)

// Backend names accepted by Open.
const (
	BackendAuto  = "auto"
	BackendPidfd = "pidfd"
	BackendPoll  = "poll"
	BackendNone  = "none"
)

// DefaultPollInterval is how often the poll backend checks pids.
const DefaultPollInterval = time.Second

// Open returns the named backend. Auto prefers pidfd and falls back to
// polling.
func Open(backend string, logger *slog.Logger) (supervise.EventSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")

	switch backend {
	case BackendAuto, "":
		src, err := newPidfd(logger)
		if err == nil {
			logger.Info("event backend loaded", "backend", BackendPidfd)
			return src, nil
		}
		logger.Debug("pidfd unavailable", "error", err)
		logger.Info("event backend loaded", "backend", BackendPoll)
		return NewPoller(DefaultPollInterval, logger), nil
	case BackendPidfd:
		src, err := newPidfd(logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	case BackendPoll:
		return NewPoller(DefaultPollInterval, logger), nil
	case BackendNone:
		return None{}, nil
	}
	return nil, fmt.Errorf("unknown event backend %q", backend)
}

// None is an event source with no backend. Event conditions are rejected
// while it is in use.
type None struct{}

func (None) Loaded() bool { return false }
func (None) Register(int, supervise.EventKind, func()) error {
	return supervise.ErrEventsUnavailable
}
func (None) Deregister(int, supervise.EventKind) {}
func (None) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func unsupported(kind supervise.EventKind) error {
	return fmt.Errorf("event %s: %w", kind, supervise.ErrNotImplemented)
}
