package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benaskins/vigil/internal/audit"
	"github.com/benaskins/vigil/internal/config"
	"github.com/benaskins/vigil/internal/daemon"
	"github.com/benaskins/vigil/internal/event"
	"github.com/benaskins/vigil/internal/logbuf"
	"github.com/benaskins/vigil/internal/supervise"
)

type testServer struct {
	srv    *Server
	daemon *daemon.Daemon
	client *http.Client
	audit  string
}

func setupTestServer(t *testing.T, specs map[string]string) *testServer {
	t.Helper()

	cfg := config.Defaults(t.TempDir())
	cfg.TerminateTimeout = 5 * time.Second
	if err := os.MkdirAll(cfg.SpecDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range specs {
		if err := os.WriteFile(filepath.Join(cfg.SpecDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	store := logbuf.NewStore(50)
	logger := slog.New(logbuf.NewHandler(
		slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}), store))

	d, err := daemon.NewDaemon(cfg,
		daemon.WithLogger(logger),
		daemon.WithLogStore(store),
		daemon.WithEventSource(event.NewPoller(20*time.Millisecond, nil)),
	)
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(func() { d.Stop(context.Background(), true) })

	auditLog, err := audit.NewLogger(cfg.AuditLog)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditLog.Close() })

	srv := NewServer(d, auditLog, ctx)

	sockPath := filepath.Join(t.TempDir(), "test.sock")
	go srv.ListenUnix(sockPath)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	for i := 0; i < 50; i++ {
		if c, err := net.Dial("unix", sockPath); err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
	}

	return &testServer{srv: srv, daemon: d, client: client, audit: cfg.AuditLog}
}

func (ts *testServer) waitForState(t *testing.T, name string, want supervise.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ts.daemon.Supervisor().Status()[name].State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be %s", name, want)
}

func (ts *testServer) auditEntries(t *testing.T) []audit.Entry {
	t.Helper()
	f, err := os.Open(ts.audit)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []audit.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e audit.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

const sleeperSpec = `
watches:
  - name: %s
    group: pool
    start: sleep 60
    interval: 100ms
    keepalive:
      interval: 100ms
`

func sleeper(name string) string { return strings.Replace(sleeperSpec, "%s", name, 1) }

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)

	resp, err := ts.client.Get("http://vigil/v1/health")
	if err != nil {
		t.Fatalf("GET /v1/health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var result map[string]string
	json.NewDecoder(resp.Body).Decode(&result)
	if result["status"] != "ok" {
		t.Errorf("expected status ok, got %q", result["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := setupTestServer(t, map[string]string{"web.yaml": sleeper("web")})
	ts.waitForState(t, "web", supervise.StateUp)

	resp, err := ts.client.Get("http://vigil/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]supervise.TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status["web"].State != supervise.StateUp {
		t.Errorf("expected web up, got %q", status["web"].State)
	}
	if status["web"].Group != "pool" {
		t.Errorf("expected group pool, got %q", status["web"].Group)
	}
}

func TestControlEndpoint(t *testing.T) {
	ts := setupTestServer(t, map[string]string{
		"a.yaml": sleeper("web-1"),
		"b.yaml": sleeper("web-2"),
	})
	ts.waitForState(t, "web-1", supervise.StateUp)
	ts.waitForState(t, "web-2", supervise.StateUp)

	resp, err := ts.client.Post("http://vigil/v1/tasks/pool/stop", "", nil)
	if err != nil {
		t.Fatalf("POST stop: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result TasksResponse
	json.NewDecoder(resp.Body).Decode(&result)
	if len(result.Tasks) != 2 {
		t.Errorf("expected both group members, got %v", result.Tasks)
	}
	ts.waitForState(t, "web-1", supervise.StateUnmonitored)

	entries := ts.auditEntries(t)
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Command != "stop" || entries[0].Actor != "unix" {
		t.Errorf("unexpected audit entry %+v", entries[0])
	}
}

func TestControlErrors(t *testing.T) {
	ts := setupTestServer(t, map[string]string{"web.yaml": sleeper("web")})

	tests := []struct {
		path string
		want int
	}{
		{"/v1/tasks/nope/restart", 404},
		{"/v1/tasks/web/explode", 400},
	}
	for _, tt := range tests {
		resp, err := ts.client.Post("http://vigil"+tt.path, "", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.want, resp.StatusCode)
		}
	}
}

func TestSignalEndpoint(t *testing.T) {
	ts := setupTestServer(t, map[string]string{"web.yaml": sleeper("web")})
	ts.waitForState(t, "web", supervise.StateUp)

	resp, err := ts.client.Post("http://vigil/v1/tasks/web/signal?sig=BOGUS", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for unknown signal, got %d", resp.StatusCode)
	}

	resp, err = ts.client.Post("http://vigil/v1/tasks/web/signal?sig=KILL", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	// keepalive restarts the killed process
	ts.waitForState(t, "web", supervise.StateUp)
}

func TestLogEndpoint(t *testing.T) {
	ts := setupTestServer(t, map[string]string{"web.yaml": sleeper("web")})
	ts.waitForState(t, "web", supervise.StateUp)

	resp, err := ts.client.Get("http://vigil/v1/tasks/web/log?since=1h")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "up") {
		t.Errorf("expected transition lines in log, got %q", body)
	}

	resp2, err := ts.client.Get("http://vigil/v1/tasks/nope/log")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp2.StatusCode)
	}
}

func TestLoadEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)

	body := strings.NewReader(`
watches:
  - name: loaded
    start: sleep 60
    autostart: false
`)
	resp, err := ts.client.Post("http://vigil/v1/load?action=stop", "application/yaml", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res supervise.LoadResult
	json.NewDecoder(resp.Body).Decode(&res)
	if len(res.Loaded) != 1 || res.Loaded[0] != "loaded" {
		t.Errorf("expected loaded, got %v", res.Loaded)
	}

	resp2, err := ts.client.Post("http://vigil/v1/load", "application/yaml", strings.NewReader("watches: [{name: x}]"))
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode == 200 {
		t.Error("expected invalid definitions to be rejected")
	}
}

func TestReloadEndpoint(t *testing.T) {
	ts := setupTestServer(t, map[string]string{"web.yaml": sleeper("web")})

	resp, err := ts.client.Post("http://vigil/v1/reload", "", nil)
	if err != nil {
		t.Fatalf("POST reload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestQuitEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)

	resp, err := ts.client.Post("http://vigil/v1/terminate", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 202 {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case terminate := <-ts.daemon.ExitRequested():
		if !terminate {
			t.Error("expected terminate request")
		}
	case <-time.After(time.Second):
		t.Fatal("exit was not requested")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t, map[string]string{"web.yaml": sleeper("web")})
	ts.waitForState(t, "web", supervise.StateUp)

	resp, err := ts.client.Get("http://vigil/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "vigil_supervisor_transitions_total") {
		t.Error("expected supervisor metrics in exposition")
	}
}

func TestParseSince(t *testing.T) {
	if got, err := parseSince(""); err != nil || !got.IsZero() {
		t.Errorf("empty: got %v, %v", got, err)
	}
	if got, _ := parseSince("1700000000"); got.Unix() != 1700000000 {
		t.Errorf("unix: got %v", got)
	}
	if got, _ := parseSince("5m"); time.Since(got) < 5*time.Minute {
		t.Errorf("duration: got %v", got)
	}
	if _, err := parseSince("yesterday"); err == nil {
		t.Error("expected error")
	}
}
