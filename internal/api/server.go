package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benaskins/vigil/internal/audit"
	"github.com/benaskins/vigil/internal/daemon"
	"github.com/benaskins/vigil/internal/process"
	"github.com/benaskins/vigil/internal/supervise"
)

// maxLoadBody bounds the definitions document accepted by /v1/load.
const maxLoadBody = 1 << 20

type actorKey struct{}

// Server serves the vigil control API over a Unix socket and, optionally, TCP.
type Server struct {
	daemon *daemon.Daemon
	audit  *audit.Logger
	server *http.Server
	logger *slog.Logger
	ctx    context.Context
}

// NewServer creates an API server backed by the given daemon. The audit
// logger may be nil. ctx bounds commands that outlive their request, such
// as load.
func NewServer(d *daemon.Daemon, auditLog *audit.Logger, ctx context.Context) *Server {
	s := &Server{
		daemon: d,
		audit:  auditLog,
		logger: slog.With("component", "api"),
		ctx:    ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("POST /v1/tasks/{pattern}/signal", s.signal)
	mux.HandleFunc("GET /v1/tasks/{pattern}/log", s.log)
	mux.HandleFunc("POST /v1/tasks/{pattern}/{command}", s.control)
	mux.HandleFunc("POST /v1/load", s.load)
	mux.HandleFunc("POST /v1/reload", s.reload)
	mux.HandleFunc("POST /v1/quit", s.exit(audit.ActionQuit, false))
	mux.HandleFunc("POST /v1/terminate", s.exit(audit.ActionTerminate, true))
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer(), promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Handler: mux,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, actorKey{}, c.LocalAddr().Network())
		},
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) record(r *http.Request, e audit.Entry, err error) {
	if actor, ok := r.Context().Value(actorKey{}).(string); ok {
		e.Actor = actor
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.audit.Log(e); aerr != nil {
		s.logger.Warn("failed to write audit entry", "error", aerr)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Supervisor().Status())
}

// TasksResponse lists the tasks a command was applied to.
type TasksResponse struct {
	Tasks []string `json:"tasks"`
}

func (s *Server) control(w http.ResponseWriter, r *http.Request) {
	pattern, command := r.PathValue("pattern"), r.PathValue("command")
	tasks, err := s.daemon.Supervisor().Control(r.Context(), pattern, command)
	if err == nil && len(tasks) == 0 {
		err = supervise.ErrNoSuchWatch
	}
	s.record(r, audit.Entry{Action: audit.ActionControl, Command: command, Pattern: pattern, Tasks: tasks}, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

func (s *Server) signal(w http.ResponseWriter, r *http.Request) {
	pattern, name := r.PathValue("pattern"), r.URL.Query().Get("sig")
	sig, err := process.ParseSignal(name)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	tasks, err := s.daemon.Supervisor().Signal(r.Context(), pattern, sig)
	if err == nil && len(tasks) == 0 {
		err = supervise.ErrNoSuchWatch
	}
	s.record(r, audit.Entry{Action: audit.ActionSignal, Command: name, Pattern: pattern, Tasks: tasks}, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

func (s *Server) log(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out, err := s.daemon.Supervisor().RunningLog(r.PathValue("pattern"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, out)
}

// parseSince accepts RFC 3339, unix seconds or a duration ago. Empty means
// everything buffered.
func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0), nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLoadBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.daemon.Load(s.ctx, body, action)
	s.record(r, audit.Entry{Action: audit.ActionLoad, Command: action, Tasks: res.Loaded}, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	res, err := s.daemon.Reload(s.ctx)
	s.record(r, audit.Entry{Action: audit.ActionLoad, Command: "reload", Tasks: res.Loaded}, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) exit(action audit.Action, terminate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.record(r, audit.Entry{Action: action}, nil)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(action)})
		s.daemon.RequestExit(terminate)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *supervise.ValidationError
	switch {
	case errors.Is(err, supervise.ErrNoSuchWatch):
		status = http.StatusNotFound
	case errors.Is(err, supervise.ErrUnknownCommand),
		errors.Is(err, supervise.ErrInvalidState),
		errors.As(err, &verr):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
