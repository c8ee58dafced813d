package conditions

import (
	"context"
	"fmt"
	"time"

	"github.com/benaskins/vigil/internal/health"
	"github.com/benaskins/vigil/internal/supervise"
)

// DiskUsage is true when the filesystem holding MountPoint is more than
// Above percent full.
type DiskUsage struct {
	supervise.PollBase `yaml:"-"`

	MountPoint string  `yaml:"mount_point"`
	Above      float64 `yaml:"above"`
}

func (c *DiskUsage) Kind() string { return "disk_usage" }

func (c *DiskUsage) Validate() error {
	if c.MountPoint == "" {
		return complain(c, "attribute 'mount_point' must be specified")
	}
	if c.Above <= 0 {
		return complain(c, "attribute 'above' must be specified")
	}
	return nil
}

func (c *DiskUsage) Test(ctx context.Context) (bool, error) {
	pct, err := health.DiskUsage(ctx, c.MountPoint)
	if err != nil {
		return false, err
	}
	if pct > c.Above {
		c.SetInfo(fmt.Sprintf("disk space out of bounds [%.0f%%]", pct))
		return true, nil
	}
	c.SetInfo()
	return false, nil
}

// FileMtime is true when Path was last modified more than MaxAge ago.
type FileMtime struct {
	supervise.PollBase `yaml:"-"`

	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"max_age"`

	now func() time.Time
}

func (c *FileMtime) Kind() string { return "file_mtime" }

func (c *FileMtime) Validate() error {
	if c.Path == "" {
		return complain(c, "attribute 'path' must be specified")
	}
	if c.MaxAge <= 0 {
		return complain(c, "attribute 'max_age' must be specified")
	}
	return nil
}

func (c *FileMtime) Test(context.Context) (bool, error) {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	age, err := health.FileAge(c.Path, now())
	if err != nil {
		return false, err
	}
	if age > c.MaxAge {
		c.SetInfo(fmt.Sprintf("file modified %s ago", age.Truncate(time.Second)))
		return true, nil
	}
	c.SetInfo()
	return false, nil
}

// Lambda is true when Func returns true or, when loaded from a definition,
// when Command exits zero.
type Lambda struct {
	supervise.PollBase `yaml:"-"`

	Func    func(ctx context.Context) (bool, error) `yaml:"-"`
	Command string                                  `yaml:"command"`
}

func (c *Lambda) Kind() string { return "lambda" }

func (c *Lambda) Validate() error {
	if c.Func == nil && c.Command == "" {
		return complain(c, "attribute 'func' or 'command' must be specified")
	}
	return nil
}

func (c *Lambda) Test(ctx context.Context) (bool, error) {
	if c.Func != nil {
		return c.Func(ctx)
	}
	return health.Exec(ctx, c.Command) == nil, nil
}
