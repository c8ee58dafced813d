package logbuf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// TaskKey is the attribute that routes a record into a task's ring.
const TaskKey = "task"

// Handler tees every record carrying a task attribute into a Store before
// passing it on to the wrapped handler.
type Handler struct {
	next  slog.Handler
	store *Store
	task  string
	attrs []slog.Attr
	group string
}

// NewHandler wraps next so that task-scoped records are also kept in store.
func NewHandler(next slog.Handler, store *Store) *Handler {
	return &Handler{next: next, store: store}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	task := h.task
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format("2006-01-02 15:04:05"), r.Level, r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, h.group, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == TaskKey && h.group == "" {
			task = a.Value.String()
			return true
		}
		writeAttr(&b, h.group, a)
		return true
	})

	if task != "" {
		h.store.Ring(task).Append(r.Time, b.String())
	}
	return h.next.Handle(ctx, r)
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == TaskKey && h.group == "" {
			clone.task = a.Value.String()
			continue
		}
		if a.Key == "component" {
			continue
		}
		clone.attrs = append(clone.attrs, a)
	}
	clone.next = h.next.WithAttrs(attrs)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	clone.group = name
	clone.next = h.next.WithGroup(name)
	return &clone
}
