package contacts

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/benaskins/vigil/internal/supervise"
)

// Sentry reports notifications as messages to a Sentry project.
type Sentry struct {
	Base        `yaml:",inline"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	Level       string `yaml:"level"`

	transport sentry.Transport
	hub       *sentry.Hub
}

func (s *Sentry) Kind() string { return "sentry" }

// Validate builds the client, so a bad DSN is reported at load time.
func (s *Sentry) Validate() error {
	if err := s.Base.validate(s.Kind()); err != nil {
		return err
	}
	if s.DSN == "" {
		return complain(s, "attribute 'dsn' must be specified")
	}
	if s.Level == "" {
		s.Level = string(sentry.LevelWarning)
	}
	if _, ok := levels[s.Level]; !ok {
		return complain(s, fmt.Sprintf("unknown level %q", s.Level))
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         s.DSN,
		Environment: s.Environment,
		Transport:   s.transport,
	})
	if err != nil {
		return complain(s, err.Error())
	}
	s.hub = sentry.NewHub(client, sentry.NewScope())
	return nil
}

var levels = map[string]sentry.Level{
	"debug":   sentry.LevelDebug,
	"info":    sentry.LevelInfo,
	"warning": sentry.LevelWarning,
	"error":   sentry.LevelError,
	"fatal":   sentry.LevelFatal,
}

func (s *Sentry) Notify(ctx context.Context, n supervise.Notification) error {
	if s.hub == nil {
		return fmt.Errorf("sentry contact %q: not validated", s.Name())
	}
	level := levels[s.Level]
	if l, ok := levels[n.Priority]; ok {
		level = l
	}

	var id *sentry.EventID
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		scope.SetTag("host", n.Host)
		if n.Task != "" {
			scope.SetTag("task", n.Task)
		}
		if n.Category != "" {
			scope.SetTag("category", n.Category)
		}
		if n.Priority != "" {
			scope.SetTag("priority", n.Priority)
		}
		id = s.hub.CaptureMessage(n.Message)
	})
	if id == nil {
		return fmt.Errorf("sentry contact %q: event was dropped", s.Name())
	}

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !s.hub.Flush(timeout) {
		return fmt.Errorf("sentry contact %q: flush timed out", s.Name())
	}
	return nil
}
