package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benaskins/vigil/internal/supervise"
)

// Poller detects process exits by probing registered pids with signal 0.
type Poller struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watches map[int]func()
}

// NewPoller returns a poller checking every interval.
func NewPoller(interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{interval: interval, logger: logger, watches: make(map[int]func())}
}

func (p *Poller) Loaded() bool { return true }

// Register calls cb once pid has exited. Only proc_exit is supported.
func (p *Poller) Register(pid int, kind supervise.EventKind, cb func()) error {
	if kind != supervise.EventProcExit {
		return unsupported(kind)
	}
	if !alive(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watches[pid] = cb
	return nil
}

func (p *Poller) Deregister(pid int, kind supervise.EventKind) {
	if kind != supervise.EventProcExit {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watches, pid)
}

// Run checks registered pids until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.check()
		}
	}
}

func (p *Poller) check() {
	var fired []func()
	p.mu.Lock()
	for pid, cb := range p.watches {
		if !alive(pid) {
			delete(p.watches, pid)
			fired = append(fired, cb)
			p.logger.Debug("process exited", "pid", pid)
		}
	}
	p.mu.Unlock()

	for _, cb := range fired {
		cb()
	}
}
