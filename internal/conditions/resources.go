package conditions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/benaskins/vigil/internal/supervise"
	"github.com/benaskins/vigil/internal/timeline"
)

// Bytes is a memory size written as a number of bytes or a string such as
// "150MB" or "1g".
type Bytes int64

func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("size: want a number or a string like 150MB")
	}
	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*b = Bytes(n)
		return nil
	}
	n, err := units.RAMInBytes(node.Value)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	*b = Bytes(n)
	return nil
}

func (b Bytes) String() string { return units.BytesSize(float64(b)) }

// threshold keeps the last M samples and is true when N of them exceed a
// limit.
type threshold[T any] struct {
	samples *timeline.Timeline[T]
	over    func(T) bool
	format  func(T) string
}

func newThreshold[T any](times Times, over func(T) bool, format func(T) string) *threshold[T] {
	return &threshold[T]{samples: timeline.New[T](times.M), over: over, format: format}
}

func (t *threshold[T]) push(v T) { t.samples.Push(v) }

func (t *threshold[T]) exceeded(n int) bool {
	return t.samples.Count(t.over) >= n
}

func (t *threshold[T]) history() string {
	items := t.samples.Items()
	parts := make([]string, len(items))
	for i, v := range items {
		mark := ""
		if t.over(v) {
			mark = "*"
		}
		parts[i] = mark + t.format(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (t *threshold[T]) reset() {
	if t != nil {
		t.samples.Clear()
	}
}

// MemoryUsage is true when the process's resident memory was above Above in
// Times.N of the last Times.M checks.
type MemoryUsage struct {
	supervise.PollBase `yaml:"-"`

	Above   Bytes  `yaml:"above"`
	Times   Times  `yaml:"times"`
	PIDFile string `yaml:"pid_file"`

	window *threshold[uint64]
}

func (c *MemoryUsage) Kind() string { return "memory_usage" }

func (c *MemoryUsage) Prepare() {
	c.Times = c.Times.orDefault(TimesOf(1, 1))
	if c.Times.validate() == nil {
		c.window = newThreshold(c.Times,
			func(v uint64) bool { return v > uint64(c.Above) },
			func(v uint64) string { return units.BytesSize(float64(v)) })
	}
}

func (c *MemoryUsage) Validate() error {
	if c.Above <= 0 {
		return complain(c, "attribute 'above' must be specified")
	}
	if err := c.Times.validate(); err != nil {
		return complain(c, "%v", err)
	}
	return needsProcess(c, c.PIDFile)
}

func (c *MemoryUsage) Reset() { c.window.reset() }

func (c *MemoryUsage) Test(context.Context) (bool, error) {
	h := handleOf(c.Owner(), c.PIDFile)
	if h == nil {
		c.SetInfo("process is not running")
		return false, nil
	}
	rss, err := h.Memory()
	if err != nil {
		return false, fmt.Errorf("reading memory: %w", err)
	}

	c.window.push(rss)
	if c.window.exceeded(c.Times.N) {
		c.SetInfo("memory out of bounds " + c.window.history())
		return true, nil
	}
	c.SetInfo("memory within bounds " + c.window.history())
	return false, nil
}

// CPUUsage is true when the process's CPU percentage was above Above in
// Times.N of the last Times.M checks.
type CPUUsage struct {
	supervise.PollBase `yaml:"-"`

	Above   float64 `yaml:"above"`
	Times   Times   `yaml:"times"`
	PIDFile string  `yaml:"pid_file"`

	window *threshold[float64]
}

func (c *CPUUsage) Kind() string { return "cpu_usage" }

func (c *CPUUsage) Prepare() {
	c.Times = c.Times.orDefault(TimesOf(1, 1))
	if c.Times.validate() == nil {
		c.window = newThreshold(c.Times,
			func(v float64) bool { return v > c.Above },
			func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) + "%" })
	}
}

func (c *CPUUsage) Validate() error {
	if c.Above <= 0 {
		return complain(c, "attribute 'above' must be specified")
	}
	if err := c.Times.validate(); err != nil {
		return complain(c, "%v", err)
	}
	return needsProcess(c, c.PIDFile)
}

func (c *CPUUsage) Reset() { c.window.reset() }

func (c *CPUUsage) Test(context.Context) (bool, error) {
	h := handleOf(c.Owner(), c.PIDFile)
	if h == nil {
		c.SetInfo("process is not running")
		return false, nil
	}
	pct, err := h.PercentCPU()
	if err != nil {
		return false, fmt.Errorf("reading cpu: %w", err)
	}

	c.window.push(pct)
	if c.window.exceeded(c.Times.N) {
		c.SetInfo("cpu out of bounds " + c.window.history())
		return true, nil
	}
	c.SetInfo("cpu within bounds " + c.window.history())
	return false, nil
}
