// Package process runs the OS processes behind watches: it launches them
// detached from the daemon, tracks their pid files and stops them.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"github.com/benaskins/vigil/internal/supervise"
)

// Defaults for the built-in stopper.
const (
	DefaultStopSignal  = "TERM"
	DefaultStopTimeout = 10 * time.Second
)

const stopPoll = 100 * time.Millisecond

// Config describes how to run one process.
type Config struct {
	Name string
	// Start is required. Stop and Restart are optional.
	Start   string
	Stop    string
	Restart string

	// PIDFile is set when the process writes its own pid file. Otherwise the
	// start command is spawned detached and its pid is written to
	// PIDFileDirectory/<Name>.pid.
	PIDFile          string
	PIDFileDirectory string

	Dir    string
	Env    map[string]string
	UID    string
	GID    string
	Chroot string
	Log    string
	ErrLog string

	StopSignal  string
	StopTimeout time.Duration
}

// Controller implements supervise.ProcessController for a Config.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	lastPID int
}

// New returns a controller for cfg with defaults applied.
func New(cfg Config, logger *slog.Logger) *Controller {
	if cfg.StopSignal == "" {
		cfg.StopSignal = DefaultStopSignal
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: logger.With("component", "process", "task", cfg.Name)}
}

// Config returns the controller's configuration with defaults applied.
func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) tracking() bool { return c.cfg.PIDFile == "" }

// PIDFile returns the pid file in use.
func (c *Controller) PIDFile() string {
	if !c.tracking() {
		return c.cfg.PIDFile
	}
	return filepath.Join(c.cfg.PIDFileDirectory, c.cfg.Name+".pid")
}

// Validate checks that the process can be run as configured.
func (c *Controller) Validate() error {
	subject := fmt.Sprintf("process %q", c.cfg.Name)
	if c.cfg.Start == "" {
		return &supervise.ValidationError{Subject: subject, Reason: "start command must be specified"}
	}
	if c.tracking() && c.cfg.PIDFileDirectory == "" {
		return &supervise.ValidationError{Subject: subject, Reason: "pid_file or pid_file_directory must be specified"}
	}
	if _, err := ParseSignal(c.cfg.StopSignal); err != nil {
		return &supervise.ValidationError{Subject: subject, Reason: err.Error()}
	}
	if c.cfg.UID != "" {
		if _, err := user.Lookup(c.cfg.UID); err != nil {
			return &supervise.ValidationError{Subject: subject, Reason: fmt.Sprintf("uid %s does not exist", c.cfg.UID)}
		}
	}
	if c.cfg.GID != "" {
		if _, err := user.LookupGroup(c.cfg.GID); err != nil {
			return &supervise.ValidationError{Subject: subject, Reason: fmt.Sprintf("gid %s does not exist", c.cfg.GID)}
		}
	}
	dirs := []struct{ label, path string }{
		{"dir", c.cfg.Dir},
		{"chroot", c.cfg.Chroot},
		{"log directory", parentOf(c.cfg.Log)},
		{"err_log directory", parentOf(c.cfg.ErrLog)},
	}
	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		if info, err := os.Stat(d.path); err != nil || !info.IsDir() {
			return &supervise.ValidationError{Subject: subject, Reason: fmt.Sprintf("%s %s does not exist", d.label, d.path)}
		}
	}
	return nil
}

func parentOf(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}

// Command describes the command run for action, or "" when none is set.
func (c *Controller) Command(action supervise.State) string {
	switch action {
	case supervise.StateStart:
		return c.cfg.Start
	case supervise.StateStop:
		return c.cfg.Stop
	case supervise.StateRestart:
		return c.cfg.Restart
	}
	return ""
}

// PID returns the pid from the pid file, falling back to the last pid seen
// when the file is gone.
func (c *Controller) PID() int {
	pid, err := ReadPIDFile(c.PIDFile())
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.lastPID = pid
		return pid
	}
	return c.lastPID
}

// Alive reports whether the process is running.
func (c *Controller) Alive() bool {
	return alive(c.PID())
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Handle returns a handle on the running process, or nil.
func (c *Controller) Handle() supervise.ProcessHandle {
	pid := c.PID()
	if !alive(pid) {
		return nil
	}
	return NewHandle(pid)
}

// Signal sends sig to the process.
func (c *Controller) Signal(sig os.Signal) error {
	pid := c.PID()
	if pid == 0 {
		return fmt.Errorf("signal %v: no pid known", sig)
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("signal %v: unsupported signal type", sig)
	}
	return unix.Kill(pid, s)
}

// Start launches the process. Without a configured pid file the command is
// spawned in its own session and its pid recorded; otherwise the command is
// run to completion and the pid read from the file it wrote.
func (c *Controller) Start(ctx context.Context) (int, error) {
	if !c.tracking() {
		if err := c.run(ctx, c.cfg.Start); err != nil {
			return 0, fmt.Errorf("start: %w", err)
		}
		return c.PID(), nil
	}

	cmd, err := c.command(context.Background(), c.cfg.Start)
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		closeFiles(cmd)
		return 0, fmt.Errorf("start: %w", err)
	}
	closeFiles(cmd)
	pid := cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		c.logger.Debug("process exited", "pid", pid, "error", err)
	}()

	if err := os.MkdirAll(c.cfg.PIDFileDirectory, 0o755); err != nil {
		return pid, fmt.Errorf("creating pid file directory: %w", err)
	}
	if err := renameio.WriteFile(c.PIDFile(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return pid, fmt.Errorf("writing pid file: %w", err)
	}
	c.mu.Lock()
	c.lastPID = pid
	c.mu.Unlock()
	return pid, nil
}

// Stop runs the stop command when one is set. Otherwise it sends the stop
// signal, waits up to the stop timeout for the process to exit and then
// kills it.
func (c *Controller) Stop(ctx context.Context) error {
	if c.cfg.Stop != "" {
		if err := c.run(ctx, c.cfg.Stop); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		return nil
	}

	pid := c.PID()
	if !alive(pid) {
		c.removePIDFile()
		return nil
	}
	sig, _ := ParseSignal(c.cfg.StopSignal)
	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}

	c.logger.Info("sending stop signal", "pid", pid, "signal", unix.SignalName(sig))
	if err := unix.Kill(target, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("stop: %w", err)
	}

	deadline := time.NewTimer(c.cfg.StopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(stopPoll)
	defer ticker.Stop()
	for alive(pid) {
		select {
		case <-ticker.C:
		case <-deadline.C:
			c.logger.Warn("process did not stop in time, killing", "pid", pid, "timeout", c.cfg.StopTimeout)
			_ = unix.Kill(target, unix.SIGKILL)
			c.removePIDFile()
			return nil
		case <-ctx.Done():
			_ = unix.Kill(target, unix.SIGKILL)
			return ctx.Err()
		}
	}
	c.removePIDFile()
	return nil
}

// Restart runs the restart command. It returns supervise.ErrNoCommand when
// none is configured.
func (c *Controller) Restart(ctx context.Context) error {
	if c.cfg.Restart == "" {
		return fmt.Errorf("restart: %w", supervise.ErrNoCommand)
	}
	if err := c.run(ctx, c.cfg.Restart); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

func (c *Controller) removePIDFile() {
	if !c.tracking() {
		return
	}
	if err := os.Remove(c.PIDFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("removing pid file", "error", err)
	}
}

func (c *Controller) run(ctx context.Context, command string) error {
	cmd, err := c.command(ctx, command)
	if err != nil {
		return err
	}
	defer closeFiles(cmd)
	return cmd.Run()
}

// command prepares sh -c command in its own session with the configured
// credentials, directory, environment and log files.
func (c *Controller) command(ctx context.Context, command string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = c.cfg.Dir
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	attr := &syscall.SysProcAttr{Setsid: true, Chroot: c.cfg.Chroot}
	cred, err := c.credential()
	if err != nil {
		return nil, err
	}
	attr.Credential = cred
	cmd.SysProcAttr = attr

	stdout, err := openLog(c.cfg.Log)
	if err != nil {
		return nil, err
	}
	stderr := stdout
	if c.cfg.ErrLog != "" {
		if stderr, err = openLog(c.cfg.ErrLog); err != nil {
			stdout.Close()
			return nil, err
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd, nil
}

func closeFiles(cmd *exec.Cmd) {
	if f, ok := cmd.Stdout.(*os.File); ok {
		f.Close()
	}
	if f, ok := cmd.Stderr.(*os.File); ok && cmd.Stderr != cmd.Stdout {
		f.Close()
	}
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	return f, nil
}

func (c *Controller) credential() (*syscall.Credential, error) {
	if c.cfg.UID == "" && c.cfg.GID == "" {
		return nil, nil
	}
	cred := &syscall.Credential{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	if c.cfg.UID != "" {
		u, err := user.Lookup(c.cfg.UID)
		if err != nil {
			return nil, fmt.Errorf("looking up uid %s: %w", c.cfg.UID, err)
		}
		uid, _ := strconv.ParseUint(u.Uid, 10, 32)
		gid, _ := strconv.ParseUint(u.Gid, 10, 32)
		cred.Uid, cred.Gid = uint32(uid), uint32(gid)
	}
	if c.cfg.GID != "" {
		g, err := user.LookupGroup(c.cfg.GID)
		if err != nil {
			return nil, fmt.Errorf("looking up gid %s: %w", c.cfg.GID, err)
		}
		gid, _ := strconv.ParseUint(g.Gid, 10, 32)
		cred.Gid = uint32(gid)
	}
	return cred, nil
}

// ParseSignal accepts names such as "TERM", "SIGTERM" or a number.
func ParseSignal(name string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(name); err == nil && n > 0 {
		return syscall.Signal(n), nil
	}
	if s := unix.SignalNum(name); s != 0 {
		return s, nil
	}
	if s := unix.SignalNum("SIG" + name); s != 0 {
		return s, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
