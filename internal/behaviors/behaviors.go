// Package behaviors provides hooks that run around a watch's actions.
package behaviors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/vigil/internal/supervise"
)

// Factory returns a new, unconfigured behavior.
type Factory func() supervise.Behavior

var (
	mu    sync.RWMutex
	kinds = map[string]Factory{
		"clean_pid_file":       func() supervise.Behavior { return &CleanPIDFile{} },
		"notify_when_flapping": func() supervise.Behavior { return &NotifyWhenFlapping{} },
	}
)

// Register adds or replaces the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	kinds[kind] = f
}

// New creates a behavior of the named kind.
func New(kind string) (supervise.Behavior, error) {
	mu.RLock()
	f, ok := kinds[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, supervise.ErrNoSuchBehavior)
	}
	return f(), nil
}

// Kinds returns every registered kind name, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Decode builds a behavior from a mapping node selected by its "kind" key.
func Decode(node *yaml.Node) (supervise.Behavior, error) {
	var h struct {
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding behavior: %w", err)
	}
	if h.Kind == "" {
		return nil, &supervise.ValidationError{Subject: "behavior", Reason: "no kind was specified"}
	}
	b, err := New(h.Kind)
	if err != nil {
		return nil, err
	}
	if err := node.Decode(b); err != nil {
		return nil, fmt.Errorf("decoding %s behavior: %w", h.Kind, err)
	}
	return b, nil
}

type owned struct {
	owner supervise.Owner
}

func (o *owned) Bind(owner supervise.Owner) { o.owner = owner }

// CleanPIDFile removes the watch's pid file before every start.
type CleanPIDFile struct {
	owned
}

func (b *CleanPIDFile) Kind() string { return "clean_pid_file" }

func (b *CleanPIDFile) Validate() error {
	if b.pidFile() == "" {
		return &supervise.ValidationError{Subject: "behavior clean_pid_file", Reason: "the watch must have a pid file"}
	}
	return nil
}

func (b *CleanPIDFile) pidFile() string {
	if b.owner == nil || b.owner.Controller() == nil {
		return ""
	}
	return b.owner.Controller().PIDFile()
}

func (b *CleanPIDFile) BeforeAction(_ context.Context, action supervise.State) string {
	if action != supervise.StateStart {
		return ""
	}
	if err := os.Remove(b.pidFile()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "no pid file to delete"
		}
		return fmt.Sprintf("could not delete pid file: %v", err)
	}
	return "deleted pid file"
}

func (b *CleanPIDFile) AfterAction(context.Context, supervise.State) string { return "" }

// NotifyWhenFlapping notifies Contacts when the watch is started or
// restarted Failures times within Seconds.
type NotifyWhenFlapping struct {
	owned

	Failures int           `yaml:"failures"`
	Seconds  time.Duration `yaml:"seconds"`
	Notify   any           `yaml:"notify"`

	now      func() time.Time
	spec     *supervise.NotifySpec
	mu       sync.Mutex
	startups []time.Time
}

func (b *NotifyWhenFlapping) Kind() string { return "notify_when_flapping" }

func (b *NotifyWhenFlapping) Validate() error {
	subject := "behavior notify_when_flapping"
	if b.Failures < 1 {
		return &supervise.ValidationError{Subject: subject, Reason: "attribute 'failures' must be specified"}
	}
	if b.Seconds <= 0 {
		return &supervise.ValidationError{Subject: subject, Reason: "attribute 'seconds' must be specified"}
	}
	spec, err := supervise.NormalizeNotify(b.Notify)
	if err != nil {
		return &supervise.ValidationError{Subject: subject, Reason: err.Error()}
	}
	if spec == nil || len(spec.Contacts) == 0 {
		return &supervise.ValidationError{Subject: subject, Reason: "attribute 'notify' must be specified"}
	}
	b.spec = spec
	return nil
}

func (b *NotifyWhenFlapping) BeforeAction(ctx context.Context, action supervise.State) string {
	if action != supervise.StateStart && action != supervise.StateRestart {
		return ""
	}
	now := time.Now()
	if b.now != nil {
		now = b.now()
	}

	b.mu.Lock()
	b.startups = append(b.startups, now)
	recent := b.startups[:0]
	for _, at := range b.startups {
		if !at.Before(now.Add(-b.Seconds)) {
			recent = append(recent, at)
		}
	}
	b.startups = recent
	count := len(recent)
	b.mu.Unlock()

	if count >= b.Failures {
		b.owner.Notify(ctx, b.spec, fmt.Sprintf("%s has called start/restart %d times in %s", b.owner.Name(), count, b.Seconds))
	}
	return ""
}

func (b *NotifyWhenFlapping) AfterAction(context.Context, supervise.State) string { return "" }
