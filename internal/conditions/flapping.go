package conditions

import (
	"context"
	"time"

	"github.com/benaskins/vigil/internal/supervise"
	"github.com/benaskins/vigil/internal/timeline"
)

const retryNotice = time.Second

// Flapping fires when the owner changes state between From and To Times
// times within Within. With RetryIn set, monitoring is re-enabled RetryIn
// after each firing, unless it fired RetryTimes times within RetryWithin, in
// which case it gives up.
type Flapping struct {
	supervise.Base `yaml:"-"`

	Times       int           `yaml:"times"`
	Within      time.Duration `yaml:"within"`
	From        States        `yaml:"from_state"`
	To          States        `yaml:"to_state"`
	RetryIn     time.Duration `yaml:"retry_in"`
	RetryTimes  int           `yaml:"retry_times"`
	RetryWithin time.Duration `yaml:"retry_within"`

	now     func() time.Time
	notice  time.Duration
	changes *timeline.Timeline[time.Time]
	retries *timeline.Timeline[time.Time]
}

func (c *Flapping) Kind() string { return "flapping" }

func (c *Flapping) Prepare() {
	c.SetInfo("process is flapping")
	if c.now == nil {
		c.now = time.Now
	}
	if c.notice == 0 {
		c.notice = retryNotice
	}
	c.changes = timeline.New[time.Time](c.Times)
	c.retries = timeline.New[time.Time](c.RetryTimes)
}

func (c *Flapping) Validate() error {
	if c.Times < 1 {
		return complain(c, "attribute 'times' must be specified")
	}
	if c.Within <= 0 {
		return complain(c, "attribute 'within' must be specified")
	}
	if len(c.From) == 0 && len(c.To) == 0 {
		return complain(c, "attributes 'from_state', 'to_state', or both must be specified")
	}
	if c.RetryIn > 0 && (c.RetryTimes < 1 || c.RetryWithin <= 0) {
		return complain(c, "attributes 'retry_times' and 'retry_within' must be specified with 'retry_in'")
	}
	return nil
}

func (c *Flapping) Process(event string, change supervise.StateChange) {
	if event != supervise.EventStateChange {
		return
	}
	if !c.From.match(change.From) || !c.To.match(change.To) {
		return
	}

	c.changes.Push(c.now())
	if !c.changes.Full() || !within(c.changes, c.Within) {
		return
	}
	c.changes.Clear()
	c.Owner().Trigger(c)
	c.retry()
}

func within(tl *timeline.Timeline[time.Time], d time.Duration) bool {
	first, _ := tl.First()
	last, _ := tl.Last()
	return last.Sub(first) < d
}

func (c *Flapping) retry() {
	if c.RetryIn <= 0 {
		return
	}
	owner := c.Owner()
	log := owner.Logger()
	notice := c.notice

	c.retries.Push(c.now())
	if c.retries.Full() && within(c.retries, c.RetryWithin) {
		owner.Go(func(ctx context.Context) {
			if pause(ctx, notice) {
				log.Info("giving up", "condition", c.Kind())
			}
		})
		return
	}

	retryIn := c.RetryIn
	owner.Go(func(ctx context.Context) {
		if !pause(ctx, notice) {
			return
		}
		log.Info("auto-reenable monitoring", "in", retryIn)
		if !pause(ctx, retryIn) {
			return
		}
		log.Info("auto-reenabling monitoring")
		if owner.State() == supervise.StateUnmonitored {
			if err := owner.Monitor(ctx); err != nil {
				log.Error("monitor failed", "error", err)
			}
		}
	})
}

// pause waits for d and reports whether ctx was still live afterwards.
func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
