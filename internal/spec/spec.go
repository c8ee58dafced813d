package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/vigil/internal/conditions"
	"github.com/benaskins/vigil/internal/supervise"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// DefaultInterval is the poll interval of watches that do not set one.
const DefaultInterval = 30 * time.Second

// File is one definitions file. It may hold contacts, watches or both.
type File struct {
	Path     string      `yaml:"-"`
	Contacts []yaml.Node `yaml:"contacts,omitempty"`
	Watches  []Watch     `yaml:"watches,omitempty"`
}

// Watch defines one supervised process and the rules that move it between
// states.
type Watch struct {
	Name  string `yaml:"name"`
	Group string `yaml:"group,omitempty"`

	Start   string `yaml:"start"`
	Stop    string `yaml:"stop,omitempty"`
	Restart string `yaml:"restart,omitempty"`

	PIDFile     string            `yaml:"pid_file,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	UID         string            `yaml:"uid,omitempty"`
	GID         string            `yaml:"gid,omitempty"`
	Chroot      string            `yaml:"chroot,omitempty"`
	Log         string            `yaml:"log,omitempty"`
	ErrLog      string            `yaml:"err_log,omitempty"`
	StopSignal  string            `yaml:"stop_signal,omitempty"`
	StopTimeout Duration          `yaml:"stop_timeout,omitempty"`

	Interval     Duration `yaml:"interval,omitempty"`
	Grace        Duration `yaml:"grace,omitempty"`
	StartGrace   Duration `yaml:"start_grace,omitempty"`
	RestartGrace Duration `yaml:"restart_grace,omitempty"`
	StopGrace    Duration `yaml:"stop_grace,omitempty"`
	Autostart    *bool    `yaml:"autostart,omitempty"`

	Keepalive   *Keepalive   `yaml:"keepalive,omitempty"`
	StartIf     []yaml.Node  `yaml:"start_if,omitempty"`
	RestartIf   []yaml.Node  `yaml:"restart_if,omitempty"`
	StopIf      []yaml.Node  `yaml:"stop_if,omitempty"`
	Transitions []Transition `yaml:"transitions,omitempty"`
	Lifecycle   []yaml.Node  `yaml:"lifecycle,omitempty"`
	Behaviors   []yaml.Node  `yaml:"behaviors,omitempty"`
}

// Transition moves a watch out of each From state when its conditions fire.
type Transition struct {
	From       []string    `yaml:"from"`
	To         Target      `yaml:"to"`
	Conditions []yaml.Node `yaml:"conditions"`
}

// Target is either a single state or a {true: s, false: s} branch.
type Target struct {
	OnTrue  string
	OnFalse string
}

func (t *Target) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&t.OnTrue)
	}
	var branch map[bool]string
	if err := node.Decode(&branch); err != nil {
		return fmt.Errorf("line %d: to must be a state or a true/false mapping", node.Line)
	}
	t.OnTrue, t.OnFalse = branch[true], branch[false]
	return nil
}

// Destination converts the target into the engine's form.
func (t Target) Destination() supervise.Destination {
	d := supervise.Destination{}
	if t.OnTrue != "" {
		d[true] = supervise.State(t.OnTrue)
	}
	if t.OnFalse != "" {
		d[false] = supervise.State(t.OnFalse)
	}
	return d
}

// Keepalive is "keepalive: true" or a mapping of keepalive options.
type Keepalive struct {
	Enabled bool
	Options conditions.KeepaliveOptions
}

func (k *Keepalive) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&k.Enabled)
	}
	k.Enabled = true
	return node.Decode(&k.Options)
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads and parses a definitions file. Conditions, behaviors and
// contacts are only decoded when the file is built.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing spec %s: %w", path, err)
	}
	f.Path = path
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validating spec %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a definitions document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadDir reads every YAML definitions file in dir, in name order.
func LoadDir(dir string) ([]*File, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
	}

	// Also match .yml
	ymlEntries, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
	}
	entries = append(entries, ymlEntries...)
	sort.Strings(entries)

	var files []*File
	for _, path := range entries {
		f, err := Load(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// Validate checks what can be checked without building: names, commands
// and the states transitions refer to.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for i := range f.Watches {
		w := &f.Watches[i]
		if err := w.Validate(); err != nil {
			return err
		}
		if seen[w.Name] {
			return fmt.Errorf("watch %q is defined twice", w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

var watchTargets = append(slices.Clone(supervise.WatchStates), supervise.StateUnmonitored, supervise.StateStop)

// Validate checks that a watch definition is well-formed.
func (w *Watch) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("watch name is required")
	}
	if !nameRe.MatchString(w.Name) {
		return fmt.Errorf("watch name %q is invalid: must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", w.Name)
	}
	if w.Group != "" && !nameRe.MatchString(w.Group) {
		return fmt.Errorf("watch %q: group %q is invalid", w.Name, w.Group)
	}
	if w.Start == "" {
		return fmt.Errorf("watch %q: start is required", w.Name)
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"interval", w.Interval},
		{"grace", w.Grace},
		{"start_grace", w.StartGrace},
		{"restart_grace", w.RestartGrace},
		{"stop_grace", w.StopGrace},
		{"stop_timeout", w.StopTimeout},
	} {
		if d.value.Duration < 0 {
			return fmt.Errorf("watch %q: %s must not be negative", w.Name, d.name)
		}
	}

	for i, tr := range w.Transitions {
		if len(tr.From) == 0 {
			return fmt.Errorf("watch %q: transition %d: from is required", w.Name, i)
		}
		for _, s := range tr.From {
			if !slices.Contains(supervise.WatchStates, supervise.State(s)) {
				return fmt.Errorf("watch %q: transition %d: %q is not a watch state", w.Name, i, s)
			}
		}
		if tr.To.OnTrue == "" && tr.To.OnFalse == "" {
			return fmt.Errorf("watch %q: transition %d: to is required", w.Name, i)
		}
		for _, s := range []string{tr.To.OnTrue, tr.To.OnFalse} {
			if s != "" && !slices.Contains(watchTargets, supervise.State(s)) {
				return fmt.Errorf("watch %q: transition %d: cannot move to %q", w.Name, i, s)
			}
		}
		if len(tr.Conditions) == 0 {
			return fmt.Errorf("watch %q: transition %d: at least one condition is required", w.Name, i)
		}
	}
	return nil
}
