package conditions

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/benaskins/vigil/internal/health"
	"github.com/benaskins/vigil/internal/supervise"
	"github.com/benaskins/vigil/internal/timeline"
)

const socketTimeout = 5 * time.Second

// SocketResponding is true when the socket's responsiveness differs from
// Responding in Times.N of the last Times.M checks. With Responding false,
// the default, it is true when nothing accepts connections.
type SocketResponding struct {
	supervise.PollBase `yaml:"-"`

	Family     string `yaml:"family"`
	Addr       string `yaml:"addr"`
	Port       int    `yaml:"port"`
	Path       string `yaml:"path"`
	Responding bool   `yaml:"responding"`
	Times      Times  `yaml:"times"`
	// Socket is shorthand for "tcp:addr:port", "tcp:port" or "unix:path".
	Socket string `yaml:"socket"`

	results *timeline.Timeline[bool]
}

func (c *SocketResponding) Kind() string { return "socket_responding" }

func (c *SocketResponding) Prepare() {
	if c.Socket != "" {
		c.parseSocket(c.Socket)
	}
	if c.Family == "" {
		c.Family = "tcp"
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1"
	}
	c.Times = c.Times.orDefault(TimesOf(1, 1))
	c.results = timeline.New[bool](c.Times.M)
}

func (c *SocketResponding) parseSocket(s string) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 3:
		c.Family, c.Addr = parts[0], parts[1]
		c.Port, _ = strconv.Atoi(parts[2])
	case len(parts) == 2 && parts[0] == "tcp":
		c.Family = "tcp"
		c.Port, _ = strconv.Atoi(parts[1])
	case len(parts) == 2 && parts[0] == "unix":
		c.Family, c.Path = "unix", parts[1]
	}
}

func (c *SocketResponding) Validate() error {
	switch c.Family {
	case "tcp":
		if c.Port == 0 {
			return complain(c, "attribute 'port' must be specified for tcp sockets")
		}
	case "unix":
		if c.Path == "" {
			return complain(c, "attribute 'path' must be specified for unix sockets")
		}
	default:
		return complain(c, "family must be tcp or unix, got %q", c.Family)
	}
	if err := c.Times.validate(); err != nil {
		return complain(c, "%v", err)
	}
	return nil
}

func (c *SocketResponding) Reset() {
	if c.results != nil {
		c.results.Clear()
	}
}

func (c *SocketResponding) Test(ctx context.Context) (bool, error) {
	target := c.Path
	if c.Family == "tcp" {
		target = net.JoinHostPort(c.Addr, strconv.Itoa(c.Port))
	}
	up := health.Dial(ctx, c.Family, target, socketTimeout) == nil
	c.results.Push(c.Responding != up)

	marks := make([]string, 0, c.results.Len())
	for _, r := range c.results.Items() {
		if r {
			marks = append(marks, "*")
		} else {
			marks = append(marks, "")
		}
	}
	if c.results.Count(func(b bool) bool { return b }) >= c.Times.N {
		c.SetInfo("socket out of bounds [" + strings.Join(marks, ",") + "]")
		return true, nil
	}
	c.SetInfo()
	return false, nil
}
