package conditions

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benaskins/vigil/internal/supervise"
)

type fakeHandle struct {
	mem uint64
	cpu float64
}

func (h *fakeHandle) Exists() bool                 { return true }
func (h *fakeHandle) Memory() (uint64, error)      { return h.mem, nil }
func (h *fakeHandle) PercentCPU() (float64, error) { return h.cpu, nil }

type fakeController struct {
	pid    int
	handle *fakeHandle
}

func (f *fakeController) Start(context.Context) (int, error) { return f.pid, nil }
func (f *fakeController) Stop(context.Context) error         { return nil }
func (f *fakeController) Restart(context.Context) error      { return supervise.ErrNoCommand }
func (f *fakeController) Signal(os.Signal) error             { return nil }
func (f *fakeController) PID() int                           { return f.pid }
func (f *fakeController) Alive() bool                        { return f.handle != nil }
func (f *fakeController) PIDFile() string                    { return "" }
func (f *fakeController) Command(supervise.State) string     { return "" }
func (f *fakeController) Validate() error                    { return nil }

func (f *fakeController) Handle() supervise.ProcessHandle {
	if f.handle == nil {
		return nil
	}
	return f.handle
}

type fakeEvents struct {
	mu         sync.Mutex
	callbacks  map[int]func()
	registered []int
	fail       bool
}

func (e *fakeEvents) Loaded() bool { return true }

func (e *fakeEvents) Register(pid int, _ supervise.EventKind, cb func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return os.ErrPermission
	}
	if e.callbacks == nil {
		e.callbacks = make(map[int]func())
	}
	e.callbacks[pid] = cb
	e.registered = append(e.registered, pid)
	return nil
}

func (e *fakeEvents) Deregister(pid int, _ supervise.EventKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.callbacks, pid)
}

func (e *fakeEvents) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (e *fakeEvents) fire(pid int) {
	e.mu.Lock()
	cb := e.callbacks[pid]
	e.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type fakeOwner struct {
	ctrl   supervise.ProcessController
	events supervise.EventSource

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    supervise.State
	triggers []supervise.Condition
	monitors int
}

func newOwner() *fakeOwner {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeOwner{state: supervise.StateUp, events: &fakeEvents{}, ctx: ctx, cancel: cancel}
}

func (o *fakeOwner) Go(fn func(context.Context)) { go fn(o.ctx) }

// Unwatch ends the owner's background work.
func (o *fakeOwner) Unwatch() { o.cancel() }

func (o *fakeOwner) Name() string         { return "app" }
func (o *fakeOwner) Logger() *slog.Logger { return slog.Default() }

func (o *fakeOwner) State() supervise.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *fakeOwner) Trigger(c supervise.Condition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.triggers = append(o.triggers, c)
}

func (o *fakeOwner) Triggered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.triggers)
}

func (o *fakeOwner) Monitor(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.monitors++
	o.state = supervise.StateUp
	return nil
}

func (o *fakeOwner) Monitors() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.monitors
}

func (o *fakeOwner) Events() supervise.EventSource           { return o.events }
func (o *fakeOwner) Controller() supervise.ProcessController { return o.ctrl }
func (o *fakeOwner) Notify(context.Context, *supervise.NotifySpec, string) {
}

// setup binds c to o and prepares it the way a metric would.
func setup(c supervise.Condition, o supervise.Owner) error {
	c.Common().Bind(o)
	if p, ok := c.(supervise.Preparer); ok {
		p.Prepare()
	}
	return c.Validate()
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(1_700_000_000, 0).Add(offset)
}

// counted is a poll condition with a fixed result that counts its tests.
type counted struct {
	supervise.PollBase
	result bool
	tests  int
}

func (c *counted) Kind() string    { return "counted" }
func (c *counted) Validate() error { return nil }
func (c *counted) Test(context.Context) (bool, error) {
	c.tests++
	return c.result, nil
}

func cond(result bool) *counted { return &counted{result: result} }
