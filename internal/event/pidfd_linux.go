//go:build linux

package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/benaskins/vigil/internal/supervise"
)

const epollTimeoutMillis = 250

type pidfdWatch struct {
	pid int
	fd  int
	cb  func()
}

// Pidfd watches process exits through pidfds multiplexed on one epoll
// instance.
type Pidfd struct {
	logger *slog.Logger
	epfd   int

	mu    sync.Mutex
	byFD  map[int]*pidfdWatch
	byPID map[int]*pidfdWatch
}

func newPidfd(logger *slog.Logger) (*Pidfd, error) {
	probe, err := unix.PidfdOpen(os.Getpid(), 0)
	if err != nil {
		return nil, fmt.Errorf("pidfd_open: %w", err)
	}
	unix.Close(probe)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Pidfd{
		logger: logger,
		epfd:   epfd,
		byFD:   make(map[int]*pidfdWatch),
		byPID:  make(map[int]*pidfdWatch),
	}, nil
}

func (p *Pidfd) Loaded() bool { return true }

// Register calls cb once pid has exited. Only proc_exit is supported.
func (p *Pidfd) Register(pid int, kind supervise.EventKind, cb func()) error {
	if kind != supervise.EventProcExit {
		return unsupported(kind)
	}
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return fmt.Errorf("pidfd_open %d: %w", pid, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old := p.byPID[pid]; old != nil {
		p.removeLocked(old)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		return fmt.Errorf("epoll_ctl %d: %w", pid, err)
	}
	w := &pidfdWatch{pid: pid, fd: fd, cb: cb}
	p.byFD[fd] = w
	p.byPID[pid] = w
	return nil
}

func (p *Pidfd) Deregister(pid int, kind supervise.EventKind) {
	if kind != supervise.EventProcExit {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.byPID[pid]; w != nil {
		p.removeLocked(w)
	}
}

func (p *Pidfd) removeLocked(w *pidfdWatch) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
	unix.Close(w.fd)
	delete(p.byFD, w.fd)
	if p.byPID[w.pid] == w {
		delete(p.byPID, w.pid)
	}
}

// Run waits for exits until ctx is done.
func (p *Pidfd) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 32)
	for ctx.Err() == nil {
		n, err := unix.EpollWait(p.epfd, events, epollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		var fired []func()
		p.mu.Lock()
		for _, ev := range events[:n] {
			w := p.byFD[int(ev.Fd)]
			if w == nil {
				continue
			}
			p.removeLocked(w)
			fired = append(fired, w.cb)
			p.logger.Debug("process exited", "pid", w.pid)
		}
		p.mu.Unlock()

		for _, cb := range fired {
			cb()
		}
	}
	return nil
}
