package event

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/vigil/internal/supervise"
)

func spawn(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func runSource(t *testing.T, src supervise.EventSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = src.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func exercise(t *testing.T, src supervise.EventSource) {
	t.Helper()
	require.True(t, src.Loaded())

	cmd := spawn(t, "sleep", "60")
	var fired atomic.Int32
	require.NoError(t, src.Register(cmd.Process.Pid, supervise.EventProcExit, func() { fired.Add(1) }))
	runSource(t, src)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "callback fires once")
}

func TestPoller(t *testing.T) {
	exercise(t, NewPoller(20*time.Millisecond, nil))
}

func TestPollerDeregister(t *testing.T) {
	p := NewPoller(20*time.Millisecond, nil)
	cmd := spawn(t, "sleep", "60")
	var fired atomic.Int32
	require.NoError(t, p.Register(cmd.Process.Pid, supervise.EventProcExit, func() { fired.Add(1) }))
	p.Deregister(cmd.Process.Pid, supervise.EventProcExit)
	runSource(t, p)

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestPollerRejects(t *testing.T) {
	p := NewPoller(time.Second, nil)
	err := p.Register(1<<22+7, supervise.EventProcExit, func() {})
	assert.Error(t, err, "dead pid")

	cmd := spawn(t, "sleep", "60")
	err = p.Register(cmd.Process.Pid, supervise.EventProcFork, func() {})
	assert.True(t, errors.Is(err, supervise.ErrNotImplemented))
}

func TestPidfd(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("pidfd is linux only")
	}
	src, err := Open(BackendPidfd, nil)
	if err != nil {
		t.Skipf("pidfd unavailable: %v", err)
	}
	exercise(t, src)
}

func TestOpen(t *testing.T) {
	src, err := Open(BackendAuto, nil)
	require.NoError(t, err)
	assert.True(t, src.Loaded())

	src, err = Open(BackendNone, nil)
	require.NoError(t, err)
	assert.False(t, src.Loaded())
	assert.True(t, errors.Is(src.Register(1, supervise.EventProcExit, nil), supervise.ErrEventsUnavailable))

	_, err = Open("kqueue", nil)
	assert.Error(t, err)
}
