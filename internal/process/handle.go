package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	gps "github.com/shirou/gopsutil/v3/process"
)

// Handle reports on a process by pid.
type Handle struct {
	pid int32

	once sync.Once
	proc *gps.Process
	err  error
}

// NewHandle returns a handle on pid. The process need not exist.
func NewHandle(pid int) *Handle {
	return &Handle{pid: int32(pid)}
}

func (h *Handle) PID() int { return int(h.pid) }

func (h *Handle) process() (*gps.Process, error) {
	h.once.Do(func() {
		h.proc, h.err = gps.NewProcess(h.pid)
	})
	return h.proc, h.err
}

// Exists reports whether the process is running.
func (h *Handle) Exists() bool {
	if h.pid <= 0 {
		return false
	}
	ok, err := gps.PidExists(h.pid)
	return err == nil && ok
}

// Memory returns the resident set size in bytes.
func (h *Handle) Memory() (uint64, error) {
	p, err := h.process()
	if err != nil {
		return 0, fmt.Errorf("process %d: %w", h.pid, err)
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("process %d memory: %w", h.pid, err)
	}
	return mi.RSS, nil
}

// PercentCPU returns the CPU usage averaged over the life of the process.
func (h *Handle) PercentCPU() (float64, error) {
	p, err := h.process()
	if err != nil {
		return 0, fmt.Errorf("process %d: %w", h.pid, err)
	}
	pct, err := p.CPUPercent()
	if err != nil {
		return 0, fmt.Errorf("process %d cpu: %w", h.pid, err)
	}
	return pct, nil
}

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid pid %d", path, pid)
	}
	return pid, nil
}
