package conditions

import (
	"time"

	"github.com/benaskins/vigil/internal/supervise"
)

// DefaultKeepaliveInterval is the poll interval Keepalive uses by default.
const DefaultKeepaliveInterval = 5 * time.Second

// KeepaliveOptions tunes Keepalive. Zero values select the defaults.
type KeepaliveOptions struct {
	Interval    time.Duration `yaml:"interval"`
	MemoryMax   Bytes         `yaml:"memory_max"`
	MemoryTimes Times         `yaml:"memory_times"`
	CPUMax      float64       `yaml:"cpu_max"`
	CPUTimes    Times         `yaml:"cpu_times"`
}

// Keepalive gives w the usual rules for keeping a process running: start it
// when it is not running and, when limits are set, restart it when it uses
// too much memory or CPU. With a loaded event source process exits are
// caught as events instead of polled for.
func Keepalive(w *supervise.Watch, opts KeepaliveOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	running := func(want bool) func(m *supervise.Metric) error {
		return func(m *supervise.Metric) error {
			c := &ProcessRunning{Running: Bool(want)}
			c.SetInterval(interval)
			return m.Condition(c)
		}
	}

	if w.Events().Loaded() {
		if err := w.Transition([]supervise.State{supervise.StateInit},
			supervise.Branch(supervise.StateUp, supervise.StateStart), running(true)); err != nil {
			return err
		}
		if err := w.Transition([]supervise.State{supervise.StateStart, supervise.StateRestart},
			supervise.To(supervise.StateUp), running(true)); err != nil {
			return err
		}
		if err := w.Transition([]supervise.State{supervise.StateUp}, supervise.To(supervise.StateStart),
			func(m *supervise.Metric) error { return m.Condition(&ProcessExits{}) }); err != nil {
			return err
		}
	} else if err := w.StartIf(running(false)); err != nil {
		return err
	}

	if opts.MemoryMax <= 0 && opts.CPUMax <= 0 {
		return nil
	}
	return w.RestartIf(func(m *supervise.Metric) error {
		if opts.MemoryMax > 0 {
			c := &MemoryUsage{Above: opts.MemoryMax, Times: opts.MemoryTimes.orDefault(TimesOf(3, 5))}
			c.SetInterval(interval)
			if err := m.Condition(c); err != nil {
				return err
			}
		}
		if opts.CPUMax > 0 {
			c := &CPUUsage{Above: opts.CPUMax, Times: opts.CPUTimes.orDefault(TimesOf(3, 5))}
			c.SetInterval(interval)
			if err := m.Condition(c); err != nil {
				return err
			}
		}
		return nil
	})
}
