package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// Op identifies the operation carried by a driver message.
type Op int

const (
	OpMove Op = iota
	OpAction
	OpHandlePoll
	OpHandleEvent
	OpCall
)

func (o Op) String() string {
	switch o {
	case OpMove:
		return "move"
	case OpAction:
		return "action"
	case OpHandlePoll:
		return "handle_poll"
	case OpHandleEvent:
		return "handle_event"
	case OpCall:
		return "call"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Message is one unit of work for a task's driver.
type Message struct {
	Op    Op
	State State
	Cond  Condition
	// Fn runs on the driver when Op is OpCall.
	Fn func(ctx context.Context)

	epoch uint64
	done  chan struct{}
}

type driverKey struct{}

const driverStopGrace = 100 * time.Millisecond

// Driver executes the operations of one task strictly one at a time, in the
// order they were sent, on a dedicated worker goroutine.
type Driver struct {
	task   *Task
	logger *slog.Logger
	wake   chan struct{}

	mu      sync.Mutex
	queue   []*Message
	timers  map[PollCondition]*time.Timer
	epoch   uint64
	started bool
	stopped bool
	sctx    *stopper.Context
}

func newDriver(t *Task) *Driver {
	return &Driver{
		task:   t,
		logger: t.logger.With("component", "driver"),
		wake:   make(chan struct{}, 1),
		timers: make(map[PollCondition]*time.Timer),
	}
}

// Message enqueues m without blocking. The returned channel is closed once
// m has been executed or dropped.
func (d *Driver) Message(m Message) <-chan struct{} {
	msg := m
	msg.done = make(chan struct{})
	return d.post(&msg)
}

func (d *Driver) post(m *Message) <-chan struct{} {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		close(m.done)
		return m.done
	}
	d.startLocked()
	d.queue = append(d.queue, m)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return m.done
}

func (d *Driver) startLocked() {
	if d.started {
		return
	}
	d.started = true
	d.sctx = stopper.WithContext(context.Background())
	d.sctx.Go(d.run)
}

func (d *Driver) run(sctx *stopper.Context) error {
	ctx := context.WithValue(sctx, driverKey{}, d)
	for {
		select {
		case <-sctx.Stopping():
			return nil
		case <-d.wake:
		}
		for !sctx.IsStopping() {
			m := d.pop()
			if m == nil {
				break
			}
			d.dispatch(ctx, m)
		}
	}
}

func (d *Driver) pop() *Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	m := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return m
}

func (d *Driver) dispatch(ctx context.Context, m *Message) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("unhandled panic in driver", "op", m.Op, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	t := d.task
	switch m.Op {
	case OpMove:
		if err := t.move(ctx, m.State); err != nil {
			d.logger.Error("move failed", "to", m.State, "error", err)
		}
	case OpAction:
		t.actor.perform(ctx, m.State, m.Cond)
	case OpHandlePoll:
		if d.stale(m.epoch) {
			return
		}
		if p, ok := m.Cond.(PollCondition); ok {
			t.handlePoll(ctx, p)
		}
	case OpHandleEvent:
		t.handleEvent(ctx, m.Cond)
	case OpCall:
		if m.Fn != nil {
			m.Fn(ctx)
		}
	}
}

func (d *Driver) stale(epoch uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return epoch != d.epoch
}

// InContext reports whether ctx belongs to this driver's worker.
func (d *Driver) InContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(driverKey{}).(*Driver)
	return v == d
}

// Schedule arms a timer that posts a poll of c after delay. A negative delay
// means the condition's own interval.
func (d *Driver) Schedule(c PollCondition, delay time.Duration) {
	if delay < 0 {
		delay = c.Interval()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if old := d.timers[c]; old != nil {
		old.Stop()
	}

	epoch := d.epoch
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[c] == timer {
			delete(d.timers, c)
		}
		d.mu.Unlock()
		d.post(&Message{Op: OpHandlePoll, Cond: c, epoch: epoch, done: make(chan struct{})})
	})
	d.timers[c] = timer
}

// Go runs fn on a goroutine owned by the driver. fn's context is cancelled
// when Shutdown is called. After Shutdown, fn is not run.
func (d *Driver) Go(fn func(ctx context.Context)) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.startLocked()
	sctx := d.sctx
	d.mu.Unlock()

	sctx.Go(func(sctx *stopper.Context) error {
		ctx, cancel := context.WithCancel(sctx)
		defer cancel()
		go func() {
			select {
			case <-sctx.Stopping():
				cancel()
			case <-ctx.Done():
			}
		}()
		fn(ctx)
		return nil
	})
}

// Pending returns the number of armed poll timers.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// ClearEvents cancels every armed timer and invalidates poll messages that
// are already queued.
func (d *Driver) ClearEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

func (d *Driver) clearLocked() {
	for c, t := range d.timers {
		t.Stop()
		delete(d.timers, c)
	}
	d.epoch++
}

// Shutdown cancels pending work and stops the worker. Later messages are
// dropped. When called from outside the driver it waits for the worker to
// exit or ctx to end.
func (d *Driver) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.clearLocked()
	pending := d.queue
	d.queue = nil
	started, sctx := d.started, d.sctx
	d.mu.Unlock()

	for _, m := range pending {
		close(m.done)
	}
	if !started {
		return
	}

	sctx.Stop(driverStopGrace)
	if d.InContext(ctx) {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = sctx.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stopped reports whether Shutdown has been called.
func (d *Driver) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// sleep pauses the caller, returning early when ctx ends or the calling
// driver is shutting down.
func sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	var stopping <-chan struct{}
	if d, ok := ctx.Value(driverKey{}).(*Driver); ok && d.sctx != nil {
		stopping = d.sctx.Stopping()
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-stopping:
	}
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
