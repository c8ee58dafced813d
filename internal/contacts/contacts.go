// Package contacts implements the destinations notifications are sent to.
package contacts

import (
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/vigil/internal/supervise"
)

// Factory returns a new, unconfigured contact.
type Factory func() supervise.Contact

var (
	mu    sync.RWMutex
	kinds = map[string]Factory{
		"webhook": func() supervise.Contact { return &Webhook{} },
		"sentry":  func() supervise.Contact { return &Sentry{} },
		"log":     func() supervise.Contact { return &Log{} },
	}
)

// Register adds or replaces the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	kinds[kind] = f
}

// New creates a contact of the named kind.
func New(kind string) (supervise.Contact, error) {
	mu.RLock()
	f, ok := kinds[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, supervise.ErrNoSuchContact)
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

// Decode builds a contact from a mapping node selected by its "kind" key.
// The contact is not validated.
func Decode(node *yaml.Node) (supervise.Contact, error) {
	var h struct {
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding contact: %w", err)
	}
	if h.Kind == "" {
		return nil, &supervise.ValidationError{Subject: "contact", Reason: "no kind was specified"}
	}
	c, err := New(h.Kind)
	if err != nil {
		return nil, err
	}
	if err := node.Decode(c); err != nil {
		return nil, fmt.Errorf("decoding %s contact: %w", h.Kind, err)
	}
	return c, nil
}

// Base carries the fields every contact has.
type Base struct {
	ContactName  string `yaml:"name"`
	ContactGroup string `yaml:"group"`
}

func (b *Base) Name() string  { return b.ContactName }
func (b *Base) Group() string { return b.ContactGroup }

func (b *Base) validate(kind string) error {
	if b.ContactName == "" {
		return &supervise.ValidationError{Subject: kind + " contact", Reason: "attribute 'name' must be specified"}
	}
	return nil
}

func complain(c supervise.Contact, reason string) error {
	return &supervise.ValidationError{
		Subject: fmt.Sprintf("%s contact %q", c.Kind(), c.Name()),
		Reason:  reason,
	}
}
