package supervise

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskStatus is one entry of Status.
type TaskStatus struct {
	State State  `json:"state"`
	Group string `json:"group,omitempty"`
}

// Status returns the state and group of every task.
func (s *Supervisor) Status() map[string]TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TaskStatus, len(s.tasks))
	for name, t := range s.tasks {
		out[name] = TaskStatus{State: t.State(), Group: t.Group}
	}
	return out
}

// Control applies command to every task selected by pattern, one goroutine
// per task, and returns once all of them have finished.
func (s *Supervisor) Control(ctx context.Context, pattern, command string) ([]string, error) {
	var op func(ctx context.Context, t *Task) error
	switch command {
	case CommandStart, CommandMonitor:
		op = func(ctx context.Context, t *Task) error {
			if t.State() == StateUp {
				return nil
			}
			return wait(ctx, t.driver.Message(Message{Op: OpMove, State: t.actor.initial()}))
		}
	case CommandRestart:
		op = func(ctx context.Context, t *Task) error {
			if !t.acceptsTarget(StateRestart) {
				return fmt.Errorf("task %q restart: %w", t.name, ErrInvalidState)
			}
			return wait(ctx, t.driver.Message(Message{Op: OpMove, State: StateRestart}))
		}
	case CommandStop:
		op = s.stopTask
	case CommandUnmonitor:
		op = func(ctx context.Context, t *Task) error {
			if t.State() == StateUnmonitored {
				return nil
			}
			return wait(ctx, t.driver.Message(Message{Op: OpMove, State: StateUnmonitored}))
		}
	case CommandRemove:
		op = s.unwatch
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}

	items := s.WatchesByName(pattern)
	var g errgroup.Group
	for _, t := range items {
		g.Go(func() error { return op(ctx, t) })
	}
	err := g.Wait()
	return taskNames(items), err
}

// stopTask runs the stop action and then unmonitors, as one driver message.
func (s *Supervisor) stopTask(ctx context.Context, t *Task) error {
	return wait(ctx, t.driver.Message(Message{Op: OpCall, Fn: func(ctx context.Context) {
		t.Action(ctx, StateStop, nil)
		if t.State() != StateUnmonitored {
			if err := t.move(ctx, StateUnmonitored); err != nil {
				t.logger.Error("unmonitor failed", "error", err)
			}
		}
	}}))
}

// Signal sends sig to the process of every task selected by pattern.
// Delivery errors are logged per task.
func (s *Supervisor) Signal(ctx context.Context, pattern string, sig os.Signal) ([]string, error) {
	items := s.WatchesByName(pattern)
	var g errgroup.Group
	for _, t := range items {
		g.Go(func() error {
			if err := t.Signal(sig); err != nil {
				t.logger.Error("signal failed", "signal", sig, "error", err)
			}
			return nil
		})
	}
	err := g.Wait()
	return taskNames(items), err
}

// RunningLog returns the captured output since the given time for the best
// match of pattern.
func (s *Supervisor) RunningLog(pattern string, since time.Time) (string, error) {
	matches := PatternMatch(pattern, s.Names())
	if len(matches) == 0 {
		return "", fmt.Errorf("%q: %w", pattern, ErrNoSuchWatch)
	}
	if s.logs == nil {
		return "", nil
	}
	lines := s.logs.Since(matches[0], since)
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// LoadResult reports what RunningLoad changed.
type LoadResult struct {
	Loaded   []string `json:"loaded"`
	Unloaded []string `json:"unloaded"`
	Errors   []string `json:"errors,omitempty"`
}

// RunningLoad registers tasks while the supervisor is running. A task that
// replaces one of the same name resumes monitoring unless the old one was
// unmonitored; new tasks are monitored when autostart is set. Tasks absent
// from the load are stopped, removed or left according to action.
func (s *Supervisor) RunningLoad(ctx context.Context, tasks []*Task, action string) (LoadResult, error) {
	switch action {
	case LoadLeave, LoadStop, LoadRemove, "":
	default:
		for _, t := range tasks {
			t.driver.Shutdown(ctx)
		}
		return LoadResult{}, fmt.Errorf("%w: unknown load action %q", ErrUnknownCommand, action)
	}

	var res LoadResult
	for _, t := range tasks {
		previous, replaced := StateUnmonitored, false
		if old, ok := s.Task(t.name); ok {
			previous, replaced = old.State(), true
			if err := s.unwatch(ctx, old); err != nil {
				res.Errors = append(res.Errors, err.Error())
				t.driver.Shutdown(ctx)
				continue
			}
		}

		if err := s.Register(t); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Loaded = append(res.Loaded, t.name)

		if replaced {
			t.logger.Info("reloaded config")
		} else {
			t.logger.Info("loaded config")
		}
		if (replaced && previous != StateUnmonitored) || (!replaced && t.Autostart) {
			if err := t.Monitor(ctx); err != nil {
				res.Errors = append(res.Errors, err.Error())
			}
		}
	}

	var g errgroup.Group
	for _, t := range s.WatchesByName("") {
		if slices.Contains(res.Loaded, t.name) {
			continue
		}
		switch action {
		case LoadStop:
			res.Unloaded = append(res.Unloaded, t.name)
			g.Go(func() error {
				if err := wait(ctx, t.driver.Message(Message{Op: OpAction, State: StateStop})); err != nil {
					return err
				}
				return s.unwatch(ctx, t)
			})
		case LoadRemove:
			res.Unloaded = append(res.Unloaded, t.name)
			g.Go(func() error { return s.unwatch(ctx, t) })
		}
	}
	if err := g.Wait(); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	return res, nil
}

// StopAll stops every task and waits up to the terminate timeout for their
// processes to exit. It reports whether they all did.
func (s *Supervisor) StopAll(ctx context.Context) bool {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	items := s.WatchesByName("")
	ctx, cancel := context.WithTimeout(ctx, s.terminateTimeout)
	defer cancel()

	var g errgroup.Group
	for _, t := range items {
		g.Go(func() error { return s.stopTask(ctx, t) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("stop all", "error", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !slices.ContainsFunc(items, (*Task).Alive) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func taskNames(items []*Task) []string {
	names := make([]string, len(items))
	for i, t := range items {
		names[i] = t.name
	}
	return names
}
