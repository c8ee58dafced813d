package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ActionFunc performs a plain task's action for one state.
type ActionFunc func(ctx context.Context) error

// Behavior is a hook set attached to a task. Behaviors that implement
// ActionHook run around every action; those implementing Binder are told
// their owner when added.
type Behavior interface {
	Kind() string
	Validate() error
}

// Binder is implemented by behaviors that need their owning task.
type Binder interface {
	Bind(o Owner)
}

// actor supplies the parts of the state machine a Watch overrides.
type actor interface {
	perform(ctx context.Context, action State, cond Condition)
	initial() State
}

// Registration retries after a failed event registration are bounded.
var registrationRetries uint64 = 3

// Task is a named state machine whose transitions are decided by the
// conditions of its enabled metrics.
type Task struct {
	Group        string
	Interval     time.Duration
	Autostart    bool
	ValidStates  []State
	InitialState State
	// Actions run when the task moves into the keyed state.
	Actions map[State]ActionFunc

	name      string
	env       *environment
	logger    *slog.Logger
	driver    *Driver
	actor     actor
	ctrl      ProcessController
	behaviors []Behavior

	mu        sync.RWMutex
	state     State
	metrics   map[State][]*Metric
	directory map[Condition]*Metric
	active    map[Condition]bool
}

func newTask(name string, env *environment) *Task {
	t := &Task{
		Autostart: true,
		name:      name,
		env:       env,
		logger:    env.logger.With("component", "task", "task", name),
		state:     StateUnmonitored,
		metrics:   make(map[State][]*Metric),
		directory: make(map[Condition]*Metric),
		active:    make(map[Condition]bool),
	}
	t.actor = t
	t.driver = newDriver(t)
	return t
}

func (t *Task) Name() string                   { return t.name }
func (t *Task) Logger() *slog.Logger           { return t.logger }
func (t *Task) Driver() *Driver                { return t.driver }
func (t *Task) Events() EventSource            { return t.env.events }
func (t *Task) Controller() ProcessController { return t.ctrl }

// Go runs fn on the task's driver until the task is unwatched or shut down.
func (t *Task) Go(fn func(ctx context.Context)) { t.driver.Go(fn) }

// State returns the current state.
func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Validate checks the task definition.
func (t *Task) Validate() error {
	subject := fmt.Sprintf("task %q", t.name)
	if t.name == "" {
		return invalid("task", "no name was specified")
	}
	if len(t.ValidStates) == 0 {
		return invalid(subject, "no valid states were specified")
	}
	if t.InitialState == "" {
		return invalid(subject, "no initial state was specified")
	}
	if !containsState(t.ValidStates, t.InitialState) {
		return fmt.Errorf("%s: initial state %q: %w", subject, t.InitialState, ErrInvalidState)
	}
	for s := range t.Actions {
		if !t.acceptsTarget(s) {
			return fmt.Errorf("%s: action for %q: %w", subject, s, ErrInvalidState)
		}
	}
	if t.Interval < 0 {
		return invalid(subject, "interval must not be negative")
	}
	if t.ctrl != nil {
		if err := t.ctrl.Validate(); err != nil {
			return fmt.Errorf("%s: %w", subject, err)
		}
	}
	return nil
}

func (t *Task) acceptsTarget(s State) bool {
	return s == StateUnmonitored || s == StateStop || containsState(t.ValidStates, s)
}

// Transition adds a metric for each state in from. When build is nil the
// metric gets a single condition that is always true.
func (t *Task) Transition(from []State, to Destination, build func(m *Metric) error) error {
	if len(to) == 0 {
		return invalid(fmt.Sprintf("task %q", t.name), "transition has no destination")
	}
	for _, s := range to {
		if !t.acceptsTarget(s) {
			return fmt.Errorf("task %q: destination %q: %w", t.name, s, ErrInvalidState)
		}
	}
	for _, s := range from {
		if !containsState(t.ValidStates, s) {
			return fmt.Errorf("task %q: %q is not one of %v: %w", t.name, s, t.ValidStates, ErrInvalidState)
		}
	}

	for _, s := range from {
		m := &Metric{Destination: to, task: t}
		var err error
		if build == nil {
			err = m.Condition(&Always{What: true})
		} else {
			err = build(m)
		}
		if err != nil {
			return err
		}
		t.addMetric(s, m)
	}
	return nil
}

// Lifecycle adds a metric whose conditions are enabled in every monitored
// state.
func (t *Task) Lifecycle(build func(m *Metric) error) error {
	m := &Metric{task: t}
	if err := build(m); err != nil {
		return err
	}
	t.addMetric(Lifecycle, m)
	return nil
}

func (t *Task) addMetric(s State, m *Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range m.Conditions {
		t.directory[c] = m
	}
	t.metrics[s] = append(t.metrics[s], m)
}

// Metrics returns the metrics registered under s.
func (t *Task) Metrics(s State) []*Metric {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Metric(nil), t.metrics[s]...)
}

// AddBehavior binds b to the task, validates it and attaches it.
func (t *Task) AddBehavior(b Behavior) error {
	if bb, ok := b.(Binder); ok {
		bb.Bind(t)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("behavior %s on task %q: %w", b.Kind(), t.name, err)
	}
	t.behaviors = append(t.behaviors, b)
	return nil
}

// Monitor moves the task into its initial state.
func (t *Task) Monitor(ctx context.Context) error {
	return t.Move(ctx, t.actor.initial())
}

// Unmonitor moves the task to unmonitored.
func (t *Task) Unmonitor(ctx context.Context) error {
	return t.Move(ctx, StateUnmonitored)
}

func (t *Task) initial() State { return t.InitialState }

// Move transitions the task to the given state. Outside the driver the move
// is queued and Move returns immediately.
func (t *Task) Move(ctx context.Context, to State) error {
	if !t.acceptsTarget(to) {
		return fmt.Errorf("task %q: move to %q: %w", t.name, to, ErrInvalidState)
	}
	if !t.driver.InContext(ctx) {
		t.driver.Message(Message{Op: OpMove, State: to})
		return nil
	}
	return t.move(ctx, to)
}

func (t *Task) move(ctx context.Context, to State) error {
	from := t.State()
	t.logger.Info("move", "from", from, "to", to)

	t.driver.ClearEvents()
	t.disable(from)
	if to == StateUnmonitored {
		t.disable(Lifecycle)
	}

	t.actor.perform(ctx, to, nil)

	landing := to
	switch {
	case (to == StateStart || to == StateRestart) && len(t.Metrics(to)) == 0:
		landing = StateUp
	case to == StateStop && len(t.Metrics(to)) == 0:
		landing = StateUnmonitored
		t.disable(Lifecycle)
	}

	if err := t.enable(ctx, landing); err != nil {
		return err
	}
	if landing != StateUnmonitored {
		if from == StateUnmonitored {
			if err := t.enable(ctx, Lifecycle); err != nil {
				t.disable(landing)
				return err
			}
		} else {
			t.rescheduleLifecycle()
		}
	}

	t.setState(landing)
	t.env.triggers.Broadcast(t.name, EventStateChange, StateChange{From: from, To: to})
	t.env.rec.Transition(t.name, from, landing)
	t.logger.Info("moved", "from", from, "to", landing)
	return nil
}

func (t *Task) enable(ctx context.Context, s State) error {
	metrics := t.Metrics(s)
	for i, m := range metrics {
		if err := m.enable(ctx, t); err != nil {
			for _, done := range metrics[:i] {
				done.disable(t)
			}
			return err
		}
	}
	return nil
}

func (t *Task) disable(s State) {
	for _, m := range t.Metrics(s) {
		m.disable(t)
	}
}

// rescheduleLifecycle re-arms lifecycle polls, whose timers ClearEvents
// dropped even though their metrics stay enabled.
func (t *Task) rescheduleLifecycle() {
	for _, m := range t.Metrics(Lifecycle) {
		for _, c := range m.Conditions {
			if p, ok := c.(PollCondition); ok && t.isActive(c) {
				t.driver.Schedule(p, -1)
			}
		}
	}
}

func (t *Task) attach(ctx context.Context, c Condition) error {
	switch c := c.(type) {
	case PollCondition:
		t.driver.Schedule(c, 0)
	case EventCondition:
		if err := c.Register(ctx); err != nil {
			if !errors.Is(err, ErrEventRegistrationFailed) {
				err = fmt.Errorf("%w: %s: %v", ErrEventRegistrationFailed, c.Kind(), err)
			}
			return err
		}
	case TriggerCondition:
		t.env.triggers.Register(c)
	}
	t.setActive(c, true)
	return nil
}

func (t *Task) detach(c Condition) {
	switch c := c.(type) {
	case PollCondition:
		c.Reset()
	case EventCondition:
		c.Deregister()
	case TriggerCondition:
		t.env.triggers.Deregister(c)
	}
	t.setActive(c, false)
}

func (t *Task) setActive(c Condition, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		t.active[c] = true
	} else {
		delete(t.active, c)
	}
}

func (t *Task) isActive(c Condition) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[c]
}

func (t *Task) detachAll() {
	t.mu.RLock()
	active := make([]Condition, 0, len(t.active))
	for c := range t.active {
		active = append(active, c)
	}
	t.mu.RUnlock()
	for _, c := range active {
		t.detach(c)
	}
}

func (t *Task) metricFor(c Condition) *Metric {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.directory[c]
}

// Action runs the side effects of action. Outside the driver it is queued.
func (t *Task) Action(ctx context.Context, action State, cond Condition) {
	if !t.driver.InContext(ctx) {
		t.driver.Message(Message{Op: OpAction, State: action, Cond: cond})
		return
	}
	t.actor.perform(ctx, action, cond)
}

func (t *Task) perform(ctx context.Context, action State, cond Condition) {
	fn, ok := t.Actions[action]
	if !ok {
		return
	}
	t.runHooks(ctx, cond, action, true)
	t.logger.Info("action", "action", action)
	if err := fn(ctx); err != nil {
		t.logger.Error("action failed", "action", action, "error", err)
	}
	t.runHooks(ctx, cond, action, false)
}

func (t *Task) runHooks(ctx context.Context, cond Condition, action State, before bool) {
	items := make([]any, 0, len(t.behaviors)+1)
	for _, b := range t.behaviors {
		items = append(items, b)
	}
	if cond != nil {
		items = append(items, cond)
	}

	phase := "after_" + string(action)
	if before {
		phase = "before_" + string(action)
	}
	for _, item := range items {
		hook, ok := item.(ActionHook)
		if !ok {
			continue
		}
		if info := t.callHook(ctx, hook, action, before); info != "" {
			t.logger.Info(phase, "info", info, "hook", hookKind(item))
		}
	}
}

func (t *Task) callHook(ctx context.Context, hook ActionHook, action State, before bool) (info string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("unhandled panic in hook", "hook", hookKind(hook), "action", action, "panic", r)
			info = ""
		}
	}()
	if before {
		return hook.BeforeAction(ctx, action)
	}
	return hook.AfterAction(ctx, action)
}

func hookKind(v any) string {
	if k, ok := v.(interface{ Kind() string }); ok {
		return k.Kind()
	}
	return fmt.Sprintf("%T", v)
}

// Trigger queues c to be handled as a fired event.
func (t *Task) Trigger(c Condition) {
	t.driver.Message(Message{Op: OpHandleEvent, Cond: c})
}

func (t *Task) handlePoll(ctx context.Context, c PollCondition) {
	m := t.metricFor(c)
	if m == nil || !t.isActive(c) {
		return
	}

	result := t.test(ctx, c)
	t.env.rec.PollResult(t.name, c.Kind(), result)
	messages := t.logResult(m, c, result)

	if result && c.Common().Notify != nil {
		t.Notify(ctx, c.Common().Notify, messages[len(messages)-1])
	}

	c.After()

	if dest, ok := resolve(m, c, result); ok {
		t.moveWithRetry(ctx, dest)
		return
	}
	t.driver.Schedule(c, -1)
}

func (t *Task) test(ctx context.Context, c PollCondition) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("unhandled panic in condition", "condition", c.Kind(), "panic", r)
			result = false
		}
	}()
	ok, err := c.Test(ctx)
	if err != nil {
		t.logger.Error("condition test failed", "condition", c.Kind(), "error", err)
		return false
	}
	return ok
}

func resolve(m *Metric, c Condition, result bool) (State, bool) {
	if result && c.Common().Transition != "" {
		return c.Common().Transition, true
	}
	return m.Destination.Lookup(result)
}

// moveWithRetry falls back to the current state when event registration
// fails during the move. After the retries are spent the task is
// unmonitored.
func (t *Task) moveWithRetry(ctx context.Context, dest State) {
	op := func() error {
		err := t.move(ctx, dest)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrEventRegistrationFailed) {
			return backoff.Permanent(err)
		}
		t.logger.Warn("event registration failed, moving back to previous state", "error", err)
		t.env.rec.RegistrationRetry(t.name)
		dest = t.State()
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, registrationRetries), ctx))
	if err == nil {
		return
	}

	t.logger.Error("giving up on transition", "to", dest, "error", err)
	if errors.Is(err, ErrEventRegistrationFailed) {
		if err := t.move(ctx, StateUnmonitored); err != nil {
			t.logger.Error("unmonitor failed", "error", err)
		}
	}
}

func (t *Task) handleEvent(ctx context.Context, c Condition) {
	m := t.metricFor(c)
	if m == nil || !t.isActive(c) {
		t.logger.Debug("dropping event for inactive condition", "condition", c.Kind())
		return
	}

	t.env.rec.EventTriggered(t.name, c.Kind())
	messages := t.logResult(m, c, true)

	if c.Common().Notify != nil {
		t.Notify(ctx, c.Common().Notify, messages[len(messages)-1])
	}

	dest, ok := resolve(m, c, true)
	if !ok {
		return
	}
	if err := t.move(ctx, dest); err != nil {
		t.logger.Error("move failed", "to", dest, "error", err)
	}
}

// logResult logs one line per info entry of c and returns the lines.
func (t *Task) logResult(m *Metric, c Condition, result bool) []string {
	status := "[ok]"
	if _, ok := m.Destination.Lookup(result); ok {
		status = "[trigger]"
	}

	info := c.Common().Info()
	if len(info) == 0 {
		info = []string{""}
	}
	messages := make([]string, 0, len(info))
	for _, line := range info {
		msg := fmt.Sprintf("%s %s (%s)", t.name, status, c.Kind())
		if line != "" {
			msg = fmt.Sprintf("%s %s %s (%s)", t.name, status, line, c.Kind())
		}
		messages = append(messages, msg)
		t.logger.Info(msg)
	}

	t.logger.Debug("condition result", "condition", c.Kind(), "result", result, "destination", m.Destination)
	return messages
}

// Notify delivers message to the contacts named by spec.
func (t *Task) Notify(ctx context.Context, spec *NotifySpec, message string) {
	t.env.notifier.notify(ctx, t, spec, message)
}

// Signal sends sig to the task's process.
func (t *Task) Signal(sig os.Signal) error {
	if t.ctrl == nil {
		return fmt.Errorf("task %q signal: %w", t.name, ErrNotImplemented)
	}
	return t.ctrl.Signal(sig)
}

// Alive reports whether the task's process is running.
func (t *Task) Alive() bool {
	return t.ctrl != nil && t.ctrl.Alive()
}

// PID returns the task's process id, or 0.
func (t *Task) PID() int {
	if t.ctrl == nil {
		return 0
	}
	return t.ctrl.PID()
}
