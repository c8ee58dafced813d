package contacts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benaskins/vigil/internal/supervise"
)

// Log writes notifications to the daemon log.
type Log struct {
	Base  `yaml:",inline"`
	Level string `yaml:"level"`

	// Logger defaults to slog.Default.
	Logger *slog.Logger `yaml:"-"`

	level slog.Level
}

func (l *Log) Kind() string { return "log" }

func (l *Log) Validate() error {
	if err := l.Base.validate(l.Kind()); err != nil {
		return err
	}
	if l.Level == "" {
		l.level = slog.LevelWarn
		return nil
	}
	if err := l.level.UnmarshalText([]byte(l.Level)); err != nil {
		return complain(l, fmt.Sprintf("unknown level %q", l.Level))
	}
	return nil
}

func (l *Log) Notify(ctx context.Context, n supervise.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"component", "contacts", "contact", l.Name(), "host", n.Host}
	if n.Task != "" {
		attrs = append(attrs, "task", n.Task)
	}
	if n.Priority != "" {
		attrs = append(attrs, "priority", n.Priority)
	}
	if n.Category != "" {
		attrs = append(attrs, "category", n.Category)
	}
	logger.Log(ctx, l.level, n.Message, attrs...)
	return nil
}
