package spec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/vigil/internal/behaviors"
	"github.com/benaskins/vigil/internal/conditions"
	"github.com/benaskins/vigil/internal/contacts"
	"github.com/benaskins/vigil/internal/process"
	"github.com/benaskins/vigil/internal/supervise"
)

// Builder turns definitions into engine objects for one supervisor.
type Builder struct {
	Supervisor       *supervise.Supervisor
	PIDFileDirectory string
	Logger           *slog.Logger
}

// Set is everything a group of files defines.
type Set struct {
	Watches  []*supervise.Watch
	Contacts []supervise.Contact
}

// Tasks returns the watches as tasks, ready for RunningLoad.
func (s *Set) Tasks() []*supervise.Task {
	out := make([]*supervise.Task, len(s.Watches))
	for i, w := range s.Watches {
		out[i] = w.Task
	}
	return out
}

// Build decodes and builds every watch and contact in files. Nothing is
// registered with the supervisor.
func (b *Builder) Build(files ...*File) (*Set, error) {
	set := &Set{}
	for _, f := range files {
		for i := range f.Contacts {
			c, err := contacts.Decode(&f.Contacts[i])
			if err != nil {
				return nil, b.located(f, err)
			}
			set.Contacts = append(set.Contacts, c)
		}
		for i := range f.Watches {
			w, err := b.Watch(&f.Watches[i])
			if err != nil {
				b.discard(set)
				return nil, b.located(f, err)
			}
			set.Watches = append(set.Watches, w)
		}
	}
	return set, nil
}

func (b *Builder) located(f *File, err error) error {
	if f.Path == "" {
		return err
	}
	return fmt.Errorf("%s: %w", f.Path, err)
}

func (b *Builder) discard(set *Set) {
	for _, w := range set.Watches {
		w.Driver().Shutdown(context.Background())
	}
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Watch builds one watch from its definition.
func (b *Builder) Watch(def *Watch) (*supervise.Watch, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	ctrl := process.New(process.Config{
		Name:             def.Name,
		Start:            def.Start,
		Stop:             def.Stop,
		Restart:          def.Restart,
		PIDFile:          def.PIDFile,
		PIDFileDirectory: b.PIDFileDirectory,
		Dir:              def.Dir,
		Env:              def.Env,
		UID:              def.UID,
		GID:              def.GID,
		Chroot:           def.Chroot,
		Log:              def.Log,
		ErrLog:           def.ErrLog,
		StopSignal:       def.StopSignal,
		StopTimeout:      def.StopTimeout.Duration,
	}, b.logger())

	w := b.Supervisor.NewWatch(def.Name, ctrl)
	w.Group = def.Group
	w.Interval = def.Interval.Duration
	if w.Interval == 0 {
		w.Interval = DefaultInterval
	}
	if def.Autostart != nil {
		w.Autostart = *def.Autostart
	}
	w.Grace = def.Grace.Duration
	w.StartGrace = def.StartGrace.Duration
	w.RestartGrace = def.RestartGrace.Duration
	w.StopGrace = def.StopGrace.Duration

	if err := b.rules(w, def); err != nil {
		w.Driver().Shutdown(context.Background())
		return nil, fmt.Errorf("watch %q: %w", def.Name, err)
	}
	return w, nil
}

func (b *Builder) rules(w *supervise.Watch, def *Watch) error {
	if k := def.Keepalive; k != nil && k.Enabled {
		if err := conditions.Keepalive(w, k.Options); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
	}

	shortcuts := []struct {
		nodes []yaml.Node
		add   func(func(*supervise.Metric) error) error
	}{
		{def.StartIf, w.StartIf},
		{def.RestartIf, w.RestartIf},
		{def.StopIf, w.StopIf},
	}
	for _, s := range shortcuts {
		if len(s.nodes) == 0 {
			continue
		}
		if err := s.add(decodeInto(s.nodes)); err != nil {
			return err
		}
	}

	for _, tr := range def.Transitions {
		from := make([]supervise.State, len(tr.From))
		for i, s := range tr.From {
			from[i] = supervise.State(s)
		}
		if err := w.Transition(from, tr.To.Destination(), decodeInto(tr.Conditions)); err != nil {
			return err
		}
	}

	if len(def.Lifecycle) > 0 {
		if err := w.Lifecycle(decodeInto(def.Lifecycle)); err != nil {
			return err
		}
	}

	for i := range def.Behaviors {
		bh, err := behaviors.Decode(&def.Behaviors[i])
		if err != nil {
			return err
		}
		if err := w.AddBehavior(bh); err != nil {
			return err
		}
	}
	return nil
}

// decodeInto returns a metric builder that decodes and adds each node.
func decodeInto(nodes []yaml.Node) func(*supervise.Metric) error {
	return func(m *supervise.Metric) error {
		for i := range nodes {
			c, err := conditions.Decode(&nodes[i])
			if err != nil {
				return err
			}
			if err := m.Condition(c); err != nil {
				return err
			}
		}
		return nil
	}
}

// Check builds files and validates every watch and contact without
// registering anything. It reports all problems, not just the first.
func (b *Builder) Check(files ...*File) error {
	var errs []error
	for _, f := range files {
		for i := range f.Contacts {
			c, err := contacts.Decode(&f.Contacts[i])
			if err == nil {
				err = c.Validate()
			}
			if err != nil {
				errs = append(errs, b.located(f, err))
			}
		}
		for i := range f.Watches {
			w, err := b.Watch(&f.Watches[i])
			if err == nil {
				err = w.Validate()
				w.Driver().Shutdown(context.Background())
			}
			if err != nil {
				errs = append(errs, b.located(f, err))
			}
		}
	}
	return errors.Join(errs...)
}
