package supervise

import (
	"context"
	"fmt"
)

// Metric is an ordered set of conditions deciding one transition out of a
// state. Destination is nil for lifecycle metrics.
type Metric struct {
	Destination Destination
	Conditions  []Condition

	task *Task
}

// Condition binds c to the metric's task, validates it and appends it.
// Poll conditions without an interval inherit the task interval.
func (m *Metric) Condition(c Condition) error {
	subject := fmt.Sprintf("condition %s on task %q", c.Kind(), m.task.name)

	if variantOf(c) == "" {
		return fmt.Errorf("%s: must be a poll, event or trigger condition: %w", subject, ErrNotImplemented)
	}
	if _, ok := c.(EventCondition); ok && !m.task.Events().Loaded() {
		return fmt.Errorf("%s: %w", subject, ErrEventsUnavailable)
	}

	c.Common().bind(m.task)
	if p, ok := c.(Preparer); ok {
		p.Prepare()
	}

	if n := c.Common().Notify; n != nil && len(n.Contacts) == 0 {
		return invalid(subject, "notify must name at least one contact")
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}

	if p, ok := c.(PollCondition); ok && p.Interval() <= 0 {
		if m.task.Interval <= 0 {
			return invalid(subject, "no interval set and no task interval to inherit")
		}
		p.SetInterval(m.task.Interval)
	}

	m.Conditions = append(m.Conditions, c)
	return nil
}

func (m *Metric) enable(ctx context.Context, t *Task) error {
	for i, c := range m.Conditions {
		if err := t.attach(ctx, c); err != nil {
			for _, done := range m.Conditions[:i] {
				t.detach(done)
			}
			return err
		}
	}
	return nil
}

func (m *Metric) disable(t *Task) {
	for _, c := range m.Conditions {
		t.detach(c)
	}
}
