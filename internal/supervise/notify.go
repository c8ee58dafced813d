package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NotifySpec names the contacts to tell and how to label the message.
type NotifySpec struct {
	Contacts []string
	Priority string
	Category string
}

// Notification is what a Contact delivers.
type Notification struct {
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
	Priority string    `json:"priority,omitempty"`
	Category string    `json:"category,omitempty"`
	Host     string    `json:"host"`
	Task     string    `json:"task,omitempty"`
}

// Contact delivers notifications to one destination.
type Contact interface {
	Name() string
	Group() string
	Kind() string
	Validate() error
	Notify(ctx context.Context, n Notification) error
}

// NormalizeNotify accepts a contact name, a list of names, or a map with a
// "contacts" key and optional "priority" and "category".
func NormalizeNotify(v any) (*NotifySpec, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case *NotifySpec:
		return v, nil
	case string:
		return &NotifySpec{Contacts: []string{v}}, nil
	case []string:
		return &NotifySpec{Contacts: v}, nil
	case []any:
		names, ok := stringList(v)
		if !ok {
			return nil, errors.New("notify contains non-string elements")
		}
		return &NotifySpec{Contacts: names}, nil
	case map[string]any:
		spec := &NotifySpec{}
		raw, ok := v["contacts"]
		if !ok {
			return nil, errors.New("notify must have a contacts key")
		}
		switch c := raw.(type) {
		case string:
			spec.Contacts = []string{c}
		case []string:
			spec.Contacts = c
		case []any:
			names, ok := stringList(c)
			if !ok {
				return nil, errors.New("notify has a contacts key containing non-string elements")
			}
			spec.Contacts = names
		default:
			return nil, errors.New("notify must have a contacts key pointing to a string or list of strings")
		}
		var extra []string
		for k, val := range v {
			switch k {
			case "contacts":
			case "priority":
				spec.Priority = fmt.Sprint(val)
			case "category":
				spec.Category = fmt.Sprint(val)
			default:
				extra = append(extra, k)
			}
		}
		if len(extra) > 0 {
			return nil, fmt.Errorf("notify contains extra elements: %s", strings.Join(extra, ", "))
		}
		return spec, nil
	}
	return nil, fmt.Errorf("notify must be a contact name, a list of contact names, or a contact specification, got %T", v)
}

func stringList(v []any) ([]string, bool) {
	out := make([]string, 0, len(v))
	for _, x := range v {
		s, ok := x.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

const notifyTimeout = 10 * time.Second

type notifier struct {
	logger *slog.Logger
	rec    Recorder
	host   string
	limit  rate.Limit
	burst  int

	mu       sync.RWMutex
	contacts map[string]Contact
	groups   map[string][]Contact
	limiters map[string]*rate.Limiter
}

func newNotifier(logger *slog.Logger, rec Recorder, host string) *notifier {
	return &notifier{
		logger:   logger,
		rec:      rec,
		host:     host,
		limit:    rate.Inf,
		contacts: make(map[string]Contact),
		groups:   make(map[string][]Contact),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (n *notifier) resolve(names []string) (resolved []Contact, unmatched []string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, name := range names {
		if c, ok := n.contacts[name]; ok {
			resolved = append(resolved, c)
			continue
		}
		if g := n.groups[name]; len(g) > 0 {
			resolved = append(resolved, g...)
			continue
		}
		unmatched = append(unmatched, name)
	}
	return resolved, unmatched
}

func (n *notifier) limiter(name string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[name]
	if !ok {
		l = rate.NewLimiter(n.limit, n.burst)
		n.limiters[name] = l
	}
	return l
}

func (n *notifier) notify(ctx context.Context, t *Task, spec *NotifySpec, message string) {
	contacts, unmatched := n.resolve(spec.Contacts)
	if len(unmatched) > 0 {
		t.logger.Warn("no matching contacts", "contacts", strings.Join(unmatched, ", "))
	}

	for _, c := range contacts {
		if !n.limiter(c.Name()).Allow() {
			t.logger.Warn("notification rate limited", "contact", c.Name())
			continue
		}

		err := n.deliver(ctx, c, Notification{
			Message:  message,
			Time:     time.Now(),
			Priority: spec.Priority,
			Category: spec.Category,
			Host:     n.host,
			Task:     t.name,
		})
		n.rec.Notification(c.Name(), err)
		if err != nil {
			t.logger.Error("failed to deliver notification", "contact", c.Name(), "kind", c.Kind(), "error", err)
			continue
		}
		t.logger.Info("notification sent", "contact", c.Name(), "kind", c.Kind())
	}
}

// deliver sends one notification. A panicking contact is reported as an
// error.
func (n *notifier) deliver(ctx context.Context, c Contact, msg Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("contact panicked: %v", r)
		}
	}()
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	return c.Notify(nctx, msg)
}
