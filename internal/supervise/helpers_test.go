package supervise

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/vigil/internal/timeline"
)

type fakeProc struct {
	mu         sync.Mutex
	calls      []string
	alive      bool
	restartCmd string
	signals    []os.Signal
}

func (p *fakeProc) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProc) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProc) Start(context.Context) (int, error) {
	p.record("start")
	p.mu.Lock()
	p.alive = true
	p.mu.Unlock()
	return 100, nil
}

func (p *fakeProc) Stop(context.Context) error {
	p.record("stop")
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) Restart(context.Context) error {
	if p.restartCmd == "" {
		return ErrNoCommand
	}
	p.record("restart")
	return nil
}

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProc) PID() int { return 100 }

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProc) PIDFile() string { return "" }

func (p *fakeProc) Command(action State) string {
	switch action {
	case StateStart:
		return "./server"
	case StateRestart:
		return p.restartCmd
	}
	return ""
}

func (p *fakeProc) Handle() ProcessHandle { return nil }
func (p *fakeProc) Validate() error       { return nil }

// testPoll is a poll condition with a scripted result.
type testPoll struct {
	PollBase
	result  atomic.Bool
	err     error
	panics  bool
	tests   atomic.Int32
	resets  atomic.Int32
	history *timeline.Timeline[bool]
}

func newTestPoll(result bool) *testPoll {
	p := &testPoll{history: timeline.New[bool](3)}
	p.result.Store(result)
	return p
}

func (p *testPoll) Kind() string    { return "test_poll" }
func (p *testPoll) Validate() error { return nil }

func (p *testPoll) Test(context.Context) (bool, error) {
	p.tests.Add(1)
	if p.panics {
		panic("boom")
	}
	if p.err != nil {
		return false, p.err
	}
	r := p.result.Load()
	p.history.Push(r)
	return r, nil
}

func (p *testPoll) Reset() {
	p.resets.Add(1)
	p.history.Clear()
}

// testEvent is an event condition whose registration can be made to fail.
type testEvent struct {
	Base
	failAfter    int32
	registered   atomic.Int32
	deregistered atomic.Int32
}

func (e *testEvent) Kind() string    { return "test_event" }
func (e *testEvent) Validate() error { return nil }

func (e *testEvent) Register(context.Context) error {
	n := e.registered.Add(1)
	if e.failAfter >= 0 && n > e.failAfter {
		return errors.New("kernel said no")
	}
	return nil
}

func (e *testEvent) Deregister() { e.deregistered.Add(1) }

// testTrigger records broadcasts.
type testTrigger struct {
	Base
	mu       sync.Mutex
	payloads []StateChange
}

func (c *testTrigger) Kind() string    { return "test_trigger" }
func (c *testTrigger) Validate() error { return nil }

func (c *testTrigger) Process(event string, payload StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
}

func (c *testTrigger) Payloads() []StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StateChange(nil), c.payloads...)
}

type loadedEvents struct{}

func (loadedEvents) Loaded() bool                          { return true }
func (loadedEvents) Register(int, EventKind, func()) error { return nil }
func (loadedEvents) Deregister(int, EventKind)             {}
func (loadedEvents) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type countingRecorder struct {
	nopRecorder
	retries     atomic.Int32
	transitions atomic.Int32
}

func (r *countingRecorder) RegistrationRetry(string)        { r.retries.Add(1) }
func (r *countingRecorder) Transition(string, State, State) { r.transitions.Add(1) }

type testContact struct {
	name, group string
	fail        bool
	panics      bool
	mu          sync.Mutex
	got         []Notification
}

func (c *testContact) Name() string    { return c.name }
func (c *testContact) Group() string   { return c.group }
func (c *testContact) Kind() string    { return "test" }
func (c *testContact) Validate() error { return nil }

func (c *testContact) Notify(_ context.Context, n Notification) error {
	if c.fail {
		return errors.New("delivery failed")
	}
	if c.panics {
		panic("contact exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func (c *testContact) Received() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.got...)
}

func plainTask(s *Supervisor, name string, states ...State) *Task {
	t := s.NewTask(name)
	t.ValidStates = states
	t.InitialState = states[0]
	t.Interval = time.Hour
	return t
}

// do runs m on the task's driver and waits for it.
func do(t *testing.T, task *Task, m Message) {
	t.Helper()
	select {
	case <-task.Driver().Message(m):
	case <-time.After(5 * time.Second):
		t.Fatalf("driver message %s timed out", m.Op)
	}
}

func cleanup(t *testing.T, s *Supervisor) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
}
