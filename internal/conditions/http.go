package conditions

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/benaskins/vigil/internal/health"
	"github.com/benaskins/vigil/internal/supervise"
	"github.com/benaskins/vigil/internal/timeline"
)

// HTTPResponseCode is true when the response to a GET matched CodeIs, or
// did not match CodeIsNot, in Times.N of the last Times.M checks.
// Connection failures count as a match only for CodeIsNot.
type HTTPResponseCode struct {
	supervise.PollBase `yaml:"-"`

	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	SSL       bool              `yaml:"ssl"`
	CAFile    string            `yaml:"ca_file"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	CodeIs    Codes             `yaml:"code_is"`
	CodeIsNot Codes             `yaml:"code_is_not"`
	Times     Times             `yaml:"times"`

	results *timeline.Timeline[bool]
	history *timeline.Timeline[string]
}

func (c *HTTPResponseCode) Kind() string { return "http_response_code" }

func (c *HTTPResponseCode) Prepare() {
	if c.Port == 0 {
		c.Port = 80
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Timeout <= 0 {
		c.Timeout = health.DefaultTimeout
	}
	c.Times = c.Times.orDefault(TimesOf(1, 1))
	c.results = timeline.New[bool](c.Times.M)
	c.history = timeline.New[string](c.Times.M)
}

func (c *HTTPResponseCode) Validate() error {
	if c.Host == "" {
		return complain(c, "attribute 'host' must be specified")
	}
	if (len(c.CodeIs) == 0) == (len(c.CodeIsNot) == 0) {
		return complain(c, "one (and only one) of attributes 'code_is' and 'code_is_not' must be specified")
	}
	if err := c.Times.validate(); err != nil {
		return complain(c, "%v", err)
	}
	return nil
}

func (c *HTTPResponseCode) Reset() {
	if c.results != nil {
		c.results.Clear()
		c.history.Clear()
	}
}

func (c *HTTPResponseCode) Test(ctx context.Context) (bool, error) {
	code, err := health.HTTPStatus(ctx, health.HTTPConfig{
		Host:    c.Host,
		Port:    c.Port,
		Path:    c.Path,
		SSL:     c.SSL,
		CAFile:  c.CAFile,
		Headers: c.Headers,
		Timeout: c.Timeout,
	})
	if err != nil {
		reason := health.FailureReason(err)
		if len(c.CodeIs) > 0 {
			return c.fail(reason), nil
		}
		return c.pass(reason), nil
	}

	label := strconv.Itoa(code)
	switch {
	case len(c.CodeIs) > 0 && c.CodeIs.has(code):
		return c.pass(label), nil
	case len(c.CodeIsNot) > 0 && !c.CodeIsNot.has(code):
		return c.pass(label), nil
	}
	return c.fail(label), nil
}

func (c *HTTPResponseCode) pass(label string) bool {
	c.results.Push(true)
	history := c.record("*" + label)
	if c.results.Count(func(b bool) bool { return b }) >= c.Times.N {
		c.SetInfo("http response abnormal " + history)
		return true
	}
	c.SetInfo("http response nominal " + history)
	return false
}

func (c *HTTPResponseCode) fail(label string) bool {
	c.results.Push(false)
	c.SetInfo("http response nominal " + c.record(label))
	return false
}

func (c *HTTPResponseCode) record(entry string) string {
	c.history.Push(entry)
	return "[" + strings.Join(c.history.Items(), ", ") + "]"
}
