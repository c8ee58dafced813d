package supervise

import (
	"slices"
	"sync"
)

// TriggerRegistry maps task names to the trigger conditions interested in
// that task's state changes.
type TriggerRegistry struct {
	mu       sync.Mutex
	triggers map[string][]TriggerCondition
}

func NewTriggerRegistry() *TriggerRegistry {
	return &TriggerRegistry{triggers: make(map[string][]TriggerCondition)}
}

func ownerName(c Condition) string {
	if o := c.Common().Owner(); o != nil {
		return o.Name()
	}
	return ""
}

// Register subscribes c to broadcasts from its owning task.
func (r *TriggerRegistry) Register(c TriggerCondition) {
	name := ownerName(c)
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.triggers[name], c) {
		return
	}
	r.triggers[name] = append(r.triggers[name], c)
}

// Deregister removes c. Removing an unknown condition is a no-op.
func (r *TriggerRegistry) Deregister(c TriggerCondition) {
	name := ownerName(c)
	r.mu.Lock()
	defer r.mu.Unlock()

	list := slices.DeleteFunc(r.triggers[name], func(x TriggerCondition) bool { return x == c })
	if len(list) == 0 {
		delete(r.triggers, name)
		return
	}
	r.triggers[name] = list
}

// Broadcast calls Process on every condition subscribed to task. The lock
// is held throughout, so Process must not block.
func (r *TriggerRegistry) Broadcast(task, event string, payload StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.triggers[task] {
		c.Process(event, payload)
	}
}

// Len returns the number of conditions subscribed to task.
func (r *TriggerRegistry) Len(task string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers[task])
}

// Reset drops every subscription.
func (r *TriggerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.triggers)
}
