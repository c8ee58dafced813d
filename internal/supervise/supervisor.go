package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Control commands accepted by Supervisor.Control.
const (
	CommandStart     = "start"
	CommandMonitor   = "monitor"
	CommandRestart   = "restart"
	CommandStop      = "stop"
	CommandUnmonitor = "unmonitor"
	CommandRemove    = "remove"
)

// Actions applied by RunningLoad to tasks missing from a load.
const (
	LoadLeave  = "leave"
	LoadStop   = "stop"
	LoadRemove = "remove"
)

// DefaultTerminateTimeout bounds how long StopAll waits for processes.
const DefaultTerminateTimeout = 10 * time.Second

type environment struct {
	logger   *slog.Logger
	triggers *TriggerRegistry
	events   EventSource
	rec      Recorder
	notifier *notifier
}

// Supervisor is the registry of every task, group and contact.
type Supervisor struct {
	env              *environment
	logs             LogSource
	logger           *slog.Logger
	terminateTimeout time.Duration

	mu      sync.RWMutex
	tasks   map[string]*Task
	groups  map[string][]*Task
	running bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the base logger tasks derive theirs from.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.env.logger = l }
}

// WithEvents sets the event source used by event conditions.
func WithEvents(src EventSource) Option {
	return func(s *Supervisor) { s.env.events = src }
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.env.rec = r }
}

// WithLogSource sets where RunningLog reads task output from.
func WithLogSource(l LogSource) Option {
	return func(s *Supervisor) { s.logs = l }
}

// WithNotifyRate limits notifications per contact.
func WithNotifyRate(limit rate.Limit, burst int) Option {
	return func(s *Supervisor) {
		s.env.notifier.limit = limit
		s.env.notifier.burst = burst
	}
}

// WithTerminateTimeout sets how long StopAll waits for processes to exit.
func WithTerminateTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.terminateTimeout = d }
}

// WithHostname overrides the host reported in notifications.
func WithHostname(h string) Option {
	return func(s *Supervisor) { s.env.notifier.host = h }
}

// New creates an empty supervisor.
func New(opts ...Option) *Supervisor {
	host, err := os.Hostname()
	if err != nil {
		host = "none"
	}
	env := &environment{
		logger:   slog.Default(),
		triggers: NewTriggerRegistry(),
		events:   noEvents{},
		rec:      nopRecorder{},
	}
	env.notifier = newNotifier(nil, nil, host)

	s := &Supervisor{
		env:              env,
		terminateTimeout: DefaultTerminateTimeout,
		tasks:            make(map[string]*Task),
		groups:           make(map[string][]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	env.notifier.logger = env.logger
	env.notifier.rec = env.rec
	s.logger = env.logger.With("component", "supervisor")
	return s
}

// Triggers returns the supervisor's trigger registry.
func (s *Supervisor) Triggers() *TriggerRegistry { return s.env.triggers }

// Events returns the event source.
func (s *Supervisor) Events() EventSource { return s.env.events }

// NewTask creates an unregistered plain task.
func (s *Supervisor) NewTask(name string) *Task {
	return newTask(name, s.env)
}

// NewWatch creates an unregistered watch whose process is run by ctrl.
func (s *Supervisor) NewWatch(name string, ctrl ProcessController) *Watch {
	t := newTask(name, s.env)
	t.ValidStates = slices.Clone(WatchStates)
	t.InitialState = StateInit
	t.ctrl = ctrl
	w := &Watch{Task: t}
	t.actor = w
	return w
}

// Register validates t and adds it to the registry. A rejected task's driver
// is shut down.
func (s *Supervisor) Register(t *Task) error {
	if err := s.register(t); err != nil {
		t.driver.Shutdown(context.Background())
		return err
	}
	return nil
}

func (s *Supervisor) register(t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.name]; ok {
		return fmt.Errorf("task name %q already used for a task or group: %w", t.name, ErrDuplicateName)
	}
	if _, ok := s.groups[t.name]; ok {
		return fmt.Errorf("task name %q already used for a task or group: %w", t.name, ErrDuplicateName)
	}
	if t.Group != "" {
		if _, ok := s.tasks[t.Group]; ok {
			return fmt.Errorf("group name %q already used for a task: %w", t.Group, ErrDuplicateName)
		}
	}

	s.tasks[t.name] = t
	if t.Group != "" {
		s.groups[t.Group] = append(s.groups[t.Group], t)
	}
	s.env.rec.Tasks(len(s.tasks))
	return nil
}

// Task returns the registered task called name.
func (s *Supervisor) Task(name string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[name]
	return t, ok
}

// Names returns the names of every registered task, sorted.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unwatch unmonitors and unregisters the task called name.
func (s *Supervisor) Unwatch(ctx context.Context, name string) error {
	t, ok := s.Task(name)
	if !ok {
		return fmt.Errorf("task %q: %w", name, ErrNoSuchWatch)
	}
	return s.unwatch(ctx, t)
}

func (s *Supervisor) unwatch(ctx context.Context, t *Task) error {
	if t.State() != StateUnmonitored {
		if err := wait(ctx, t.driver.Message(Message{Op: OpMove, State: StateUnmonitored})); err != nil {
			return err
		}
	}
	t.driver.Shutdown(ctx)
	t.detachAll()

	s.mu.Lock()
	if s.tasks[t.name] == t {
		delete(s.tasks, t.name)
	}
	if t.Group != "" {
		members := slices.DeleteFunc(s.groups[t.Group], func(x *Task) bool { return x == t })
		if len(members) == 0 {
			delete(s.groups, t.Group)
		} else {
			s.groups[t.Group] = members
		}
	}
	s.env.rec.Tasks(len(s.tasks))
	s.mu.Unlock()

	t.logger.Info("unwatched")
	return nil
}

// WatchesByName selects every task for an empty name, otherwise the task
// with that name or the members of that group.
func (s *Supervisor) WatchesByName(name string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if name == "" {
		out := make([]*Task, 0, len(s.tasks))
		for _, t := range s.tasks {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
		return out
	}
	if t, ok := s.tasks[name]; ok {
		return []*Task{t}
	}
	return slices.Clone(s.groups[name])
}

// AddContact registers c. A duplicate contact name is logged and ignored.
func (s *Supervisor) AddContact(c Contact) error {
	if c.Name() == "" {
		return invalid("contact", "name must be specified")
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("contact %q: %w", c.Name(), err)
	}

	n := s.env.notifier
	n.mu.Lock()
	defer n.mu.Unlock()

	_, isContact := n.contacts[c.Name()]
	_, isGroup := n.groups[c.Name()]
	if isContact || isGroup {
		s.logger.Warn("contact name already used for a contact or contact group", "contact", c.Name())
		return nil
	}
	if g := c.Group(); g != "" {
		if _, ok := n.contacts[g]; ok {
			return fmt.Errorf("contact group name %q already used for a contact: %w", g, ErrDuplicateName)
		}
	}

	n.contacts[c.Name()] = c
	if g := c.Group(); g != "" {
		n.groups[g] = append(n.groups[g], c)
	}
	return nil
}

// RemoveContact forgets the contact called name.
func (s *Supervisor) RemoveContact(name string) {
	n := s.env.notifier
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.contacts[name]
	if !ok {
		return
	}
	delete(n.contacts, name)
	delete(n.limiters, name)
	if g := c.Group(); g != "" {
		members := slices.DeleteFunc(n.groups[g], func(x Contact) bool { return x == c })
		if len(members) == 0 {
			delete(n.groups, g)
		} else {
			n.groups[g] = members
		}
	}
}

// Contacts returns the registered contact names, sorted.
func (s *Supervisor) Contacts() []string {
	n := s.env.notifier
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.contacts))
	for name := range n.contacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start monitors every registered autostart task and marks the supervisor
// as running.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	for _, t := range s.WatchesByName("") {
		if t.Autostart {
			if err := t.Monitor(ctx); err != nil {
				t.logger.Error("monitor failed", "error", err)
			}
		}
	}
}

// Running reports whether Start has been called.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Shutdown stops every driver without touching the supervised processes.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	var g errgroup.Group
	for _, t := range s.WatchesByName("") {
		g.Go(func() error {
			t.driver.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// PatternMatch returns the names in list matching pattern, where the
// pattern's characters must appear in order. Shorter names come first.
func PatternMatch(pattern string, list []string) []string {
	parts := make([]string, 0, len(pattern))
	for _, r := range pattern {
		parts = append(parts, regexp.QuoteMeta(string(r)))
	}
	re := regexp.MustCompile(strings.Join(parts, ".*"))

	var out []string
	for _, name := range list {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}
