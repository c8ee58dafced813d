package conditions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benaskins/vigil/internal/process"
	"github.com/benaskins/vigil/internal/supervise"
)

// pidOf returns the pid from pidFile when set, otherwise the owner's
// process. Zero means unknown.
func pidOf(owner supervise.Owner, pidFile string) int {
	if pidFile != "" {
		pid, err := process.ReadPIDFile(pidFile)
		if err != nil {
			return 0
		}
		return pid
	}
	if owner == nil || owner.Controller() == nil {
		return 0
	}
	return owner.Controller().PID()
}

// handleOf returns a handle on the watched process, or nil when it is not
// running.
func handleOf(owner supervise.Owner, pidFile string) supervise.ProcessHandle {
	if pidFile != "" {
		pid := pidOf(owner, pidFile)
		if pid == 0 {
			return nil
		}
		return process.NewHandle(pid)
	}
	if owner == nil || owner.Controller() == nil {
		return nil
	}
	return owner.Controller().Handle()
}

func needsProcess(c supervise.Condition, pidFile string) error {
	o := c.Common().Owner()
	if pidFile == "" && (o == nil || o.Controller() == nil) {
		return complain(c, "requires a watched process or a pid_file")
	}
	return nil
}

// ProcessRunning is true when the process's existence matches Running.
type ProcessRunning struct {
	supervise.PollBase `yaml:"-"`

	Running *bool  `yaml:"running"`
	PIDFile string `yaml:"pid_file"`
}

func (c *ProcessRunning) Kind() string { return "process_running" }

func (c *ProcessRunning) Validate() error {
	if c.Running == nil {
		return complain(c, "attribute 'running' must be specified")
	}
	return needsProcess(c, c.PIDFile)
}

func (c *ProcessRunning) Test(context.Context) (bool, error) {
	h := handleOf(c.Owner(), c.PIDFile)
	active := h != nil && h.Exists()

	if active {
		c.SetInfo("process is running")
	} else {
		c.SetInfo("process is not running")
	}
	return *c.Running == active, nil
}

// Bool returns a pointer to b, for the Running field.
func Bool(b bool) *bool { return &b }

// ProcessExits fires when the watched process exits. It needs a loaded
// event source.
type ProcessExits struct {
	supervise.Base `yaml:"-"`

	PIDFile string `yaml:"pid_file"`

	mu         sync.Mutex
	registered int
}

func (c *ProcessExits) Kind() string    { return "process_exits" }
func (c *ProcessExits) Validate() error { return needsProcess(c, c.PIDFile) }

func (c *ProcessExits) Prepare() { c.SetInfo("process exited") }

func (c *ProcessExits) Register(ctx context.Context) error {
	owner := c.Owner()
	pid := pidOf(owner, c.PIDFile)
	if pid == 0 {
		return fmt.Errorf("%w: proc_exit: no pid known", supervise.ErrEventRegistrationFailed)
	}

	err := owner.Events().Register(pid, supervise.EventProcExit, func() {
		c.SetInfo(fmt.Sprintf("process %d exited", pid))
		owner.Trigger(c)
	})
	if err != nil {
		if errors.Is(err, supervise.ErrEventRegistrationFailed) {
			return err
		}
		return fmt.Errorf("%w: proc_exit for pid %d: %v", supervise.ErrEventRegistrationFailed, pid, err)
	}

	c.mu.Lock()
	c.registered = pid
	c.mu.Unlock()
	owner.Logger().Info("registered 'proc_exit' event", "pid", pid)
	return nil
}

func (c *ProcessExits) Deregister() {
	owner := c.Owner()
	c.mu.Lock()
	pid := c.registered
	c.registered = 0
	c.mu.Unlock()

	if pid == 0 {
		pid = pidOf(owner, c.PIDFile)
	}
	if pid == 0 {
		location := c.PIDFile
		if location == "" && owner.Controller() != nil {
			location = owner.Controller().PIDFile()
		}
		owner.Logger().Error("could not deregister: no cached PID or PID file", "pid_file", location, "condition", c.Kind())
		return
	}
	owner.Events().Deregister(pid, supervise.EventProcExit)
	owner.Logger().Info("deregistered 'proc_exit' event", "pid", pid)
}
