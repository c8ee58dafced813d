package supervise

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Condition is a predicate attached to a Metric. Every condition is also
// exactly one of PollCondition, EventCondition or TriggerCondition.
type Condition interface {
	Kind() string
	Validate() error
	Common() *Base
}

// PollCondition is tested on a schedule by the owning task's driver.
type PollCondition interface {
	Condition
	Test(ctx context.Context) (bool, error)
	Interval() time.Duration
	SetInterval(d time.Duration)
	// Reset clears accumulated evidence. It must be safe to call repeatedly.
	Reset()
	After()
}

// EventCondition is registered with an EventSource and fires asynchronously.
type EventCondition interface {
	Condition
	Register(ctx context.Context) error
	Deregister()
}

// TriggerCondition receives state-change broadcasts for its task.
type TriggerCondition interface {
	Condition
	Process(event string, payload StateChange)
}

// Preparer derives settings from configured fields before validation.
type Preparer interface {
	Prepare()
}

// ActionHook runs around a task's actions. Non-empty results are logged.
type ActionHook interface {
	BeforeAction(ctx context.Context, action State) string
	AfterAction(ctx context.Context, action State) string
}

// Owner is the task a condition or behavior is bound to.
type Owner interface {
	Name() string
	State() State
	Logger() *slog.Logger
	// Trigger asks the owner's driver to handle c as a fired event.
	Trigger(c Condition)
	Monitor(ctx context.Context) error
	Events() EventSource
	// Controller returns the process controller, or nil for plain tasks.
	Controller() ProcessController
	Notify(ctx context.Context, spec *NotifySpec, message string)
	// Go runs fn in the background. ctx ends when the owner is unwatched or
	// shut down.
	Go(fn func(ctx context.Context))
}

// Base holds the fields every condition shares.
type Base struct {
	// Notify names the contacts told when the condition is true.
	Notify *NotifySpec
	// Transition overrides the metric destination when the condition is true.
	Transition State

	mu    sync.Mutex
	info  []string
	owner Owner
}

func (b *Base) Common() *Base { return b }

// Owner returns the task the condition is bound to.
func (b *Base) Owner() Owner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

func (b *Base) bind(o Owner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owner = o
}

// Bind attaches the condition to o. Metric.Condition does this for conditions
// added through a task; composite conditions use it for their operands.
func (b *Base) Bind(o Owner) { b.bind(o) }

// SetInfo records the human readable description of the latest result.
func (b *Base) SetInfo(lines ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info = lines
}

// Info returns the description of the latest result.
func (b *Base) Info() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.info...)
}

// PollBase is embedded by poll conditions.
type PollBase struct {
	Base
	interval time.Duration
}

func (p *PollBase) Interval() time.Duration     { return p.interval }
func (p *PollBase) SetInterval(d time.Duration) { p.interval = d }
func (p *PollBase) Reset()                      {}
func (p *PollBase) After()                      {}

// Always is a poll condition with a fixed result.
type Always struct {
	PollBase
	What bool
}

func (a *Always) Kind() string    { return "always" }
func (a *Always) Validate() error { return nil }

func (a *Always) Test(context.Context) (bool, error) {
	return a.What, nil
}

func variantOf(c Condition) string {
	switch c.(type) {
	case PollCondition:
		return "poll"
	case EventCondition:
		return "event"
	case TriggerCondition:
		return "trigger"
	}
	return ""
}
