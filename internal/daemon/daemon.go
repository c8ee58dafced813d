package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/benaskins/vigil/internal/config"
	"github.com/benaskins/vigil/internal/event"
	"github.com/benaskins/vigil/internal/logbuf"
	"github.com/benaskins/vigil/internal/metrics"
	"github.com/benaskins/vigil/internal/spec"
	"github.com/benaskins/vigil/internal/supervise"
)

// Daemon owns the supervisor and everything it is wired to: the event
// source, the spec directory, captured task logs and metrics.
type Daemon struct {
	cfg      config.Config
	logger   *slog.Logger
	events   supervise.EventSource
	logs     *logbuf.Store
	registry *prometheus.Registry
	sup      *supervise.Supervisor
	builder  *spec.Builder

	loadMu       sync.Mutex
	specContacts []string

	exit     chan bool
	exitOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures the daemon.
type Option func(*Daemon)

// WithLogger sets the daemon's base logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = l
	}
}

// WithLogStore sets where task-scoped log lines are kept. The logger's
// handler is expected to feed it.
func WithLogStore(s *logbuf.Store) Option {
	return func(d *Daemon) {
		d.logs = s
	}
}

// WithEventSource overrides the backend named by the config.
func WithEventSource(src supervise.EventSource) Option {
	return func(d *Daemon) {
		d.events = src
	}
}

// NewDaemon creates a daemon for cfg. Unset config keys take their defaults
// under config.Home().
func NewDaemon(cfg config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg.WithDefaults(config.Defaults(config.Home())),
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
		exit:     make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if d.logs == nil {
		d.logs = logbuf.NewStore(d.cfg.LogBufferSize)
	}
	if d.events == nil {
		src, err := event.Open(d.cfg.Events, d.logger)
		if err != nil {
			return nil, fmt.Errorf("opening event backend: %w", err)
		}
		d.events = src
	}

	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.sup = supervise.New(
		supervise.WithLogger(d.logger),
		supervise.WithEvents(d.events),
		supervise.WithRecorder(metrics.New(d.registry)),
		supervise.WithLogSource(d.logs),
		supervise.WithNotifyRate(rate.Limit(d.cfg.NotifyRate), d.cfg.NotifyBurst),
		supervise.WithTerminateTimeout(d.cfg.TerminateTimeout),
	)
	d.builder = &spec.Builder{
		Supervisor:       d.sup,
		PIDFileDirectory: d.cfg.PIDFileDirectory,
		Logger:           d.logger,
	}
	d.logger = d.logger.With("component", "daemon")
	return d, nil
}

// Config returns the effective configuration.
func (d *Daemon) Config() config.Config { return d.cfg }

// Supervisor returns the task registry.
func (d *Daemon) Supervisor() *supervise.Supervisor { return d.sup }

// Gatherer exposes the daemon's metrics.
func (d *Daemon) Gatherer() prometheus.Gatherer { return d.registry }

// Start creates the daemon's directories, starts the event loop, loads the
// spec directory and begins watching it.
func (d *Daemon) Start(ctx context.Context) error {
	for _, dir := range []string{d.cfg.SpecDir, d.cfg.PIDFileDirectory} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.events.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("event loop failed", "error", err)
		}
	}()

	d.sup.Start(ctx)

	res, err := d.Reload(ctx)
	if err != nil {
		d.cancel()
		d.wg.Wait()
		return fmt.Errorf("loading specs: %w", err)
	}
	d.logger.Info("loaded watches", "count", len(res.Loaded), "dir", d.cfg.SpecDir)
	for _, e := range res.Errors {
		d.logger.Error("failed to load watch", "error", e)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.StartWatcher(ctx); err != nil {
			d.logger.Error("spec file watcher failed", "error", err)
		}
	}()
	return nil
}

// Reload re-reads the spec directory. Watches missing from it are handled
// according to the reload_action setting.
func (d *Daemon) Reload(ctx context.Context) (supervise.LoadResult, error) {
	files, err := spec.LoadDir(d.cfg.SpecDir)
	if err != nil {
		return supervise.LoadResult{}, err
	}

	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	set, err := d.builder.Build(files...)
	if err != nil {
		return supervise.LoadResult{}, err
	}

	for _, name := range d.specContacts {
		d.sup.RemoveContact(name)
	}
	d.specContacts = d.addContacts(set.Contacts)

	return d.sup.RunningLoad(ctx, set.Tasks(), d.cfg.ReloadAction)
}

// Load applies a definitions document sent by a client. action decides what
// happens to watches it does not mention.
func (d *Daemon) Load(ctx context.Context, data []byte, action string) (supervise.LoadResult, error) {
	f, err := spec.Parse(data)
	if err != nil {
		return supervise.LoadResult{}, fmt.Errorf("parsing definitions: %w", err)
	}
	if err := f.Validate(); err != nil {
		return supervise.LoadResult{}, err
	}

	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	set, err := d.builder.Build(f)
	if err != nil {
		return supervise.LoadResult{}, err
	}
	d.addContacts(set.Contacts)
	return d.sup.RunningLoad(ctx, set.Tasks(), action)
}

func (d *Daemon) addContacts(cs []supervise.Contact) []string {
	var added []string
	for _, c := range cs {
		if err := d.sup.AddContact(c); err != nil {
			d.logger.Error("failed to add contact", "contact", c.Name(), "error", err)
			continue
		}
		added = append(added, c.Name())
	}
	return added
}

// RequestExit asks whoever runs the daemon to stop it. With terminate set
// every watch is stopped first. Only the first request counts.
func (d *Daemon) RequestExit(terminate bool) {
	d.exitOnce.Do(func() { d.exit <- terminate })
}

// ExitRequested delivers the terminate flag of RequestExit.
func (d *Daemon) ExitRequested() <-chan bool { return d.exit }

// Stop shuts the daemon down. With terminate set every watch is stopped and
// given the terminate timeout to exit; otherwise processes keep running.
func (d *Daemon) Stop(ctx context.Context, terminate bool) {
	if terminate {
		if d.sup.StopAll(ctx) {
			d.logger.Info("all watches stopped")
		} else {
			d.logger.Warn("some processes did not exit before the terminate timeout")
		}
	}
	d.sup.Shutdown(ctx)
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped")
}
