package supervise

import (
	"context"
	"time"
)

// Watch is a task backed by an OS process.
type Watch struct {
	*Task

	// Grace is added to every action's own grace period.
	Grace        time.Duration
	StartGrace   time.Duration
	StopGrace    time.Duration
	RestartGrace time.Duration
}

func (w *Watch) initial() State {
	if len(w.Metrics(StateInit)) == 0 {
		return StateUp
	}
	return StateInit
}

// StartIf moves from up to start when the built conditions fire.
func (w *Watch) StartIf(build func(m *Metric) error) error {
	return w.Transition([]State{StateUp}, To(StateStart), build)
}

// RestartIf moves from up to restart when the built conditions fire.
func (w *Watch) RestartIf(build func(m *Metric) error) error {
	return w.Transition([]State{StateUp}, To(StateRestart), build)
}

// StopIf moves from up to stop when the built conditions fire.
func (w *Watch) StopIf(build func(m *Metric) error) error {
	return w.Transition([]State{StateUp}, To(StateStop), build)
}

func (w *Watch) perform(ctx context.Context, action State, cond Condition) {
	switch action {
	case StateStart:
		w.call(ctx, cond, StateStart)
		sleep(ctx, w.StartGrace+w.Grace)
	case StateRestart:
		if w.ctrl.Command(StateRestart) != "" {
			w.call(ctx, cond, StateRestart)
		} else {
			w.perform(ctx, StateStop, cond)
			w.perform(ctx, StateStart, cond)
		}
		sleep(ctx, w.RestartGrace+w.Grace)
	case StateStop:
		w.call(ctx, cond, StateStop)
		sleep(ctx, w.StopGrace+w.Grace)
	}
}

func (w *Watch) call(ctx context.Context, cond Condition, action State) {
	w.runHooks(ctx, cond, action, true)

	if cmd := w.ctrl.Command(action); cmd != "" {
		w.logger.Info(string(action), "command", cmd)
	}

	var err error
	switch action {
	case StateStart:
		var pid int
		if pid, err = w.ctrl.Start(ctx); err == nil {
			w.logger.Info("process started", "pid", pid)
		}
	case StateStop:
		err = w.ctrl.Stop(ctx)
	case StateRestart:
		err = w.ctrl.Restart(ctx)
	}
	if err != nil {
		w.logger.Error("action failed", "action", action, "error", err)
	}

	w.runHooks(ctx, cond, action, false)
}
