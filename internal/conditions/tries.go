package conditions

import (
	"context"
	"fmt"
	"time"

	"github.com/benaskins/vigil/internal/supervise"
	"github.com/benaskins/vigil/internal/timeline"
)

// Tries is true once it has been tested Times times, within Within when
// set. It is reset whenever its metric is disabled.
type Tries struct {
	supervise.PollBase `yaml:"-"`

	Times  int           `yaml:"times"`
	Within time.Duration `yaml:"within"`

	now     func() time.Time
	history *timeline.Timeline[time.Time]
}

func (c *Tries) Kind() string { return "tries" }

func (c *Tries) Prepare() {
	if c.now == nil {
		c.now = time.Now
	}
	if c.Times > 0 {
		c.history = timeline.New[time.Time](c.Times)
	}
}

func (c *Tries) Validate() error {
	if c.Times < 1 {
		return complain(c, "attribute 'times' must be specified")
	}
	return nil
}

func (c *Tries) Reset() {
	if c.history != nil {
		c.history.Clear()
	}
}

func (c *Tries) Test(context.Context) (bool, error) {
	c.history.Push(c.now())
	first, _ := c.history.First()
	last, _ := c.history.Last()
	span := last.Sub(first)

	consensus := c.history.Len() == c.Times
	inTime := c.Within == 0 || span < c.Within

	history := fmt.Sprintf("[%d/%d]", c.history.Len(), c.Times)
	if c.Within > 0 {
		history = fmt.Sprintf("[%d/%d within %ds]", c.history.Len(), c.Times, int(span.Seconds()))
	}

	if consensus && inTime {
		c.SetInfo("tries exceeded " + history)
		return true, nil
	}
	c.SetInfo("tries within bounds " + history)
	return false, nil
}
