package conditions

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/vigil/internal/supervise"
)

func test(t *testing.T, c supervise.PollCondition) bool {
	t.Helper()
	ok, err := c.Test(context.Background())
	require.NoError(t, err)
	return ok
}

func TestTries(t *testing.T) {
	c := &Tries{Times: 3}
	require.NoError(t, setup(c, newOwner()))

	assert.False(t, test(t, c))
	assert.Equal(t, []string{"tries within bounds [1/3]"}, c.Info())
	assert.False(t, test(t, c))
	assert.True(t, test(t, c))
	assert.Equal(t, []string{"tries exceeded [3/3]"}, c.Info())

	c.Reset()
	assert.False(t, test(t, c))
}

func TestTriesWithin(t *testing.T) {
	clk := newClock()
	c := &Tries{Times: 2, Within: 10 * time.Second, now: clk.Now}
	require.NoError(t, setup(c, newOwner()))

	test(t, c)
	clk.Set(30 * time.Second)
	assert.False(t, test(t, c))
	assert.Equal(t, []string{"tries within bounds [2/2 within 30s]"}, c.Info())

	clk.Set(35 * time.Second)
	assert.True(t, test(t, c))
}

func TestMemoryUsage(t *testing.T) {
	h := &fakeHandle{mem: 10 << 20}
	o := newOwner()
	o.ctrl = &fakeController{pid: 42, handle: h}

	c := &MemoryUsage{Above: 20 << 20, Times: TimesOf(2, 3)}
	require.NoError(t, setup(c, o))

	assert.False(t, test(t, c))
	h.mem = 30 << 20
	assert.False(t, test(t, c))
	assert.True(t, test(t, c))
	assert.Contains(t, c.Info()[0], "memory out of bounds")
	assert.Contains(t, c.Info()[0], "*30MiB")

	c.Reset()
	assert.False(t, test(t, c))
}

func TestMemoryUsageNotRunning(t *testing.T) {
	o := newOwner()
	o.ctrl = &fakeController{pid: 42}
	c := &MemoryUsage{Above: 1}
	require.NoError(t, setup(c, o))
	assert.False(t, test(t, c))
	assert.Equal(t, []string{"process is not running"}, c.Info())
}

func TestCPUUsage(t *testing.T) {
	h := &fakeHandle{cpu: 95}
	o := newOwner()
	o.ctrl = &fakeController{pid: 42, handle: h}

	c := &CPUUsage{Above: 50}
	require.NoError(t, setup(c, o))
	assert.True(t, test(t, c))
	assert.Equal(t, []string{"cpu out of bounds [*95.0%]"}, c.Info())
}

func TestResourceConditionsNeedProcess(t *testing.T) {
	err := setup(&MemoryUsage{Above: 1}, newOwner())
	var verr *supervise.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "pid_file")
}

func TestProcessRunning(t *testing.T) {
	o := newOwner()
	ctrl := &fakeController{pid: 42, handle: &fakeHandle{}}
	o.ctrl = ctrl

	up := &ProcessRunning{Running: Bool(true)}
	down := &ProcessRunning{Running: Bool(false)}
	require.NoError(t, setup(up, o))
	require.NoError(t, setup(down, o))

	assert.True(t, test(t, up))
	assert.False(t, test(t, down))
	assert.Equal(t, []string{"process is running"}, down.Info())

	ctrl.handle = nil
	assert.False(t, test(t, up))
	assert.True(t, test(t, down))
	assert.Equal(t, []string{"process is not running"}, down.Info())
}

func TestProcessRunningRequiresRunning(t *testing.T) {
	o := newOwner()
	o.ctrl = &fakeController{pid: 42}
	err := setup(&ProcessRunning{}, o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'running'")
}

func TestProcessRunningPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "self.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	c := &ProcessRunning{Running: Bool(true), PIDFile: path}
	require.NoError(t, setup(c, newOwner()))
	assert.True(t, test(t, c))
}

func TestProcessExits(t *testing.T) {
	o := newOwner()
	o.ctrl = &fakeController{pid: 42}
	events := o.events.(*fakeEvents)

	c := &ProcessExits{}
	require.NoError(t, setup(c, o))
	assert.Equal(t, []string{"process exited"}, c.Info())

	require.NoError(t, c.Register(context.Background()))
	assert.Equal(t, []int{42}, events.registered)

	events.fire(42)
	assert.Equal(t, 1, o.Triggered())
	assert.Equal(t, []string{"process 42 exited"}, c.Info())

	c.Deregister()
	events.fire(42)
	assert.Equal(t, 1, o.Triggered())
}

func TestProcessExitsRegistrationFailure(t *testing.T) {
	o := newOwner()
	o.ctrl = &fakeController{pid: 42}
	o.events.(*fakeEvents).fail = true

	c := &ProcessExits{}
	require.NoError(t, setup(c, o))
	err := c.Register(context.Background())
	assert.True(t, errors.Is(err, supervise.ErrEventRegistrationFailed))

	o.ctrl = &fakeController{}
	o.events.(*fakeEvents).fail = false
	err = c.Register(context.Background())
	assert.True(t, errors.Is(err, supervise.ErrEventRegistrationFailed), "no pid")
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func TestHTTPResponseCode(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := &HTTPResponseCode{Host: "127.0.0.1", Port: serverPort(t, srv), CodeIsNot: Codes{200}, Times: TimesOf(2, 3), Timeout: time.Second}
	require.NoError(t, setup(c, newOwner()))

	assert.False(t, test(t, c))
	assert.Equal(t, []string{"http response nominal [200]"}, c.Info())

	status.Store(http.StatusInternalServerError)
	assert.False(t, test(t, c))
	assert.True(t, test(t, c))
	assert.Equal(t, []string{"http response abnormal [200, *500, *500]"}, c.Info())
}

func TestHTTPResponseCodeRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	port := serverPort(t, srv)
	srv.Close()

	is := &HTTPResponseCode{Host: "127.0.0.1", Port: port, CodeIs: Codes{500}, Timeout: time.Second}
	isNot := &HTTPResponseCode{Host: "127.0.0.1", Port: port, CodeIsNot: Codes{200}, Timeout: time.Second}
	require.NoError(t, setup(is, newOwner()))
	require.NoError(t, setup(isNot, newOwner()))

	assert.False(t, test(t, is))
	assert.Equal(t, []string{"http response nominal [Refused]"}, is.Info())
	assert.True(t, test(t, isNot))
	assert.Equal(t, []string{"http response abnormal [*Refused]"}, isNot.Info())
}

func TestHTTPResponseCodeValidation(t *testing.T) {
	err := setup(&HTTPResponseCode{Host: "x", CodeIs: Codes{500}, CodeIsNot: Codes{200}}, newOwner())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only one")

	err = setup(&HTTPResponseCode{CodeIs: Codes{500}}, newOwner())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'host'")
}

func TestSocketResponding(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, p, _ := net.SplitHostPort(ln.Addr().String())

	c := &SocketResponding{Socket: "tcp:127.0.0.1:" + p}
	require.NoError(t, setup(c, newOwner()))
	assert.Equal(t, "tcp", c.Family)
	assert.False(t, test(t, c))

	ln.Close()
	assert.True(t, test(t, c))
	assert.Equal(t, []string{"socket out of bounds [*]"}, c.Info())
}

func TestSocketRespondingParse(t *testing.T) {
	c := &SocketResponding{Socket: "unix:/tmp/app.sock"}
	require.NoError(t, setup(c, newOwner()))
	assert.Equal(t, "/tmp/app.sock", c.Path)

	c = &SocketResponding{Socket: "tcp:8080"}
	require.NoError(t, setup(c, newOwner()))
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "127.0.0.1", c.Addr)

	err := setup(&SocketResponding{Family: "udp", Port: 1}, newOwner())
	require.Error(t, err)
}

func TestFileMtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	modified := time.Now()

	c := &FileMtime{Path: path, MaxAge: time.Minute}
	require.NoError(t, setup(c, newOwner()))
	assert.False(t, test(t, c))

	c.now = func() time.Time { return modified.Add(2 * time.Minute) }
	assert.True(t, test(t, c))
}

func TestDiskUsage(t *testing.T) {
	c := &DiskUsage{MountPoint: t.TempDir(), Above: 100}
	require.NoError(t, setup(c, newOwner()))
	assert.False(t, test(t, c))

	require.Error(t, setup(&DiskUsage{Above: 90}, newOwner()))
}

func TestLambda(t *testing.T) {
	c := &Lambda{Func: func(context.Context) (bool, error) { return true, nil }}
	require.NoError(t, setup(c, newOwner()))
	assert.True(t, test(t, c))

	c = &Lambda{Command: "exit 1"}
	require.NoError(t, setup(c, newOwner()))
	assert.False(t, test(t, c))

	require.Error(t, setup(&Lambda{}, newOwner()))
}
