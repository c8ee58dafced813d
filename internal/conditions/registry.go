// Package conditions provides the condition kinds tasks are built from, a
// registry to create them by kind name, and their YAML decoding.
package conditions

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/vigil/internal/supervise"
)

// Factory returns a new, unconfigured condition.
type Factory func() supervise.Condition

var (
	mu    sync.RWMutex
	kinds = map[string]Factory{
		"always":             func() supervise.Condition { return &supervise.Always{} },
		"lambda":             func() supervise.Condition { return &Lambda{} },
		"process_running":    func() supervise.Condition { return &ProcessRunning{} },
		"process_exits":      func() supervise.Condition { return &ProcessExits{} },
		"memory_usage":       func() supervise.Condition { return &MemoryUsage{} },
		"cpu_usage":          func() supervise.Condition { return &CPUUsage{} },
		"tries":              func() supervise.Condition { return &Tries{} },
		"flapping":           func() supervise.Condition { return &Flapping{} },
		"complex":            func() supervise.Condition { return &Complex{} },
		"http_response_code": func() supervise.Condition { return &HTTPResponseCode{} },
		"socket_responding":  func() supervise.Condition { return &SocketResponding{} },
		"disk_usage":         func() supervise.Condition { return &DiskUsage{} },
		"file_mtime":         func() supervise.Condition { return &FileMtime{} },
	}
)

// Register adds or replaces the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	kinds[kind] = f
}

// New creates a condition of the named kind.
func New(kind string) (supervise.Condition, error) {
	mu.RLock()
	f, ok := kinds[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, supervise.ErrNoSuchCondition)
	}
	c := f()
	if c == nil {
		return nil, fmt.Errorf("%q: %w", kind, supervise.ErrNotImplemented)
	}
	return c, nil
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

type header struct {
	Kind       string        `yaml:"kind"`
	Interval   time.Duration `yaml:"interval"`
	Notify     any           `yaml:"notify"`
	Transition string        `yaml:"transition"`
}

// Decode builds a condition from a mapping node. The "kind" key selects the
// condition; "interval", "notify" and "transition" apply to every kind and
// the remaining keys set the kind's own fields.
func Decode(node *yaml.Node) (supervise.Condition, error) {
	var h header
	if err := node.Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding condition: %w", err)
	}
	if h.Kind == "" {
		return nil, &supervise.ValidationError{Subject: "condition", Reason: "no kind was specified"}
	}
	c, err := New(h.Kind)
	if err != nil {
		return nil, err
	}
	if err := node.Decode(c); err != nil {
		return nil, fmt.Errorf("decoding %s condition: %w", h.Kind, err)
	}

	if h.Interval > 0 {
		p, ok := c.(supervise.PollCondition)
		if !ok {
			return nil, complain(c, "interval only applies to poll conditions")
		}
		p.SetInterval(h.Interval)
	}
	spec, err := supervise.NormalizeNotify(h.Notify)
	if err != nil {
		return nil, fmt.Errorf("%s condition: %w", h.Kind, err)
	}
	c.Common().Notify = spec
	c.Common().Transition = supervise.State(h.Transition)
	return c, nil
}

func complain(c supervise.Condition, format string, args ...any) error {
	return &supervise.ValidationError{
		Subject: fmt.Sprintf("condition %s", c.Kind()),
		Reason:  fmt.Sprintf(format, args...),
	}
}

// Times is "n of the last m" checks. A single number n means n of n.
type Times struct {
	N, M int
}

// TimesOf returns n of m.
func TimesOf(n, m int) Times { return Times{N: n, M: m} }

func (t Times) isZero() bool { return t.N == 0 && t.M == 0 }

func (t Times) orDefault(d Times) Times {
	if t.isZero() {
		return d
	}
	if t.M == 0 {
		t.M = t.N
	}
	return t
}

func (t Times) validate() error {
	if t.N < 1 || t.M < t.N {
		return fmt.Errorf("times must be n or [n, m] with 1 <= n <= m, got [%d, %d]", t.N, t.M)
	}
	return nil
}

func (t *Times) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		n, err := strconv.Atoi(node.Value)
		if err != nil {
			return fmt.Errorf("times: %w", err)
		}
		*t = Times{N: n, M: n}
		return nil
	case yaml.SequenceNode:
		var pair []int
		if err := node.Decode(&pair); err != nil {
			return fmt.Errorf("times: %w", err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("times: want [n, m], got %d elements", len(pair))
		}
		*t = Times{N: pair[0], M: pair[1]}
		return nil
	}
	return fmt.Errorf("times: want a number or [n, m]")
}

// States is a set of states written as one name or a list of names.
type States []supervise.State

func (s *States) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = States{supervise.State(node.Value)}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		out := make(States, len(names))
		for i, n := range names {
			out[i] = supervise.State(n)
		}
		*s = out
		return nil
	}
	return fmt.Errorf("states: want a name or a list of names")
}

func (s States) match(st supervise.State) bool {
	if len(s) == 0 {
		return true
	}
	for _, x := range s {
		if x == st {
			return true
		}
	}
	return false
}

// Codes is a set of HTTP status codes written as one code or a list.
type Codes []int

func (c *Codes) UnmarshalYAML(node *yaml.Node) error {
	var raw []string
	switch node.Kind {
	case yaml.ScalarNode:
		raw = []string{node.Value}
	case yaml.SequenceNode:
		if err := node.Decode(&raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("codes: want a code or a list of codes")
	}
	out := make(Codes, 0, len(raw))
	for _, r := range raw {
		n, err := strconv.Atoi(r)
		if err != nil {
			return fmt.Errorf("codes: %w", err)
		}
		out = append(out, n)
	}
	*c = out
	return nil
}

func (c Codes) has(code int) bool {
	for _, x := range c {
		if x == code {
			return true
		}
	}
	return false
}
