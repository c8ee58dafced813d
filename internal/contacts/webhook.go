package contacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/benaskins/vigil/internal/supervise"
)

// DefaultWebhookTimeout bounds a single delivery when the context has no
// earlier deadline.
const DefaultWebhookTimeout = 10 * time.Second

// Webhook POSTs each notification to URL, as JSON or as a form.
type Webhook struct {
	Base    `yaml:",inline"`
	URL     string            `yaml:"url"`
	Format  string            `yaml:"format"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`

	// Client defaults to http.DefaultClient.
	Client *http.Client `yaml:"-"`
}

type webhookPayload struct {
	ID string `json:"id"`
	supervise.Notification
}

func (w *Webhook) Kind() string { return "webhook" }

func (w *Webhook) Validate() error {
	if err := w.Base.validate(w.Kind()); err != nil {
		return err
	}
	if w.URL == "" {
		return complain(w, "attribute 'url' must be specified")
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return complain(w, fmt.Sprintf("invalid url %q", w.URL))
	}
	switch w.Format {
	case "":
		w.Format = "json"
	case "json", "form":
	default:
		return complain(w, fmt.Sprintf("format must be json or form, not %q", w.Format))
	}
	if w.Timeout <= 0 {
		w.Timeout = DefaultWebhookTimeout
	}
	return nil
}

func (w *Webhook) Notify(ctx context.Context, n supervise.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	id := uuid.NewString()
	body, contentType, err := w.encode(id, n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Vigil-Delivery", id)
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", w.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting to %s: unexpected status %d", w.URL, resp.StatusCode)
	}
	return nil
}

func (w *Webhook) encode(id string, n supervise.Notification) ([]byte, string, error) {
	if w.Format == "form" {
		v := url.Values{}
		v.Set("id", id)
		v.Set("message", n.Message)
		v.Set("time", n.Time.UTC().Format(time.RFC3339))
		v.Set("host", n.Host)
		if n.Task != "" {
			v.Set("task", n.Task)
		}
		if n.Priority != "" {
			v.Set("priority", n.Priority)
		}
		if n.Category != "" {
			v.Set("category", n.Category)
		}
		return []byte(v.Encode()), "application/x-www-form-urlencoded", nil
	}
	body, err := json.Marshal(webhookPayload{ID: id, Notification: n})
	return body, "application/json", err
}
