package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds persistent daemon configuration loaded from ~/.vigil/config.yaml.
// Zero fields take the defaults from Defaults when WithDefaults is applied.
type Config struct {
	SpecDir          string        `yaml:"spec_dir"`
	SocketPath       string        `yaml:"socket_path"`
	APIAddr          string        `yaml:"api_addr"`
	PIDFileDirectory string        `yaml:"pid_file_directory"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	LogBufferSize    int           `yaml:"log_buffer_size"`
	TerminateTimeout time.Duration `yaml:"terminate_timeout"`
	Events           string        `yaml:"events"`
	ReloadAction     string        `yaml:"reload_action"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	NotifyRate       float64       `yaml:"notify_rate"`
	NotifyBurst      int           `yaml:"notify_burst"`
	AuditLog         string        `yaml:"audit_log"`
}

// Home returns ~/.vigil.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".vigil")
}

// DefaultPath returns the default config file path: ~/.vigil/config.yaml.
func DefaultPath() string {
	h := Home()
	if h == "" {
		return ""
	}
	return filepath.Join(h, "config.yaml")
}

// Defaults returns the configuration used for unset keys, rooted at base.
func Defaults(base string) Config {
	return Config{
		SpecDir:          filepath.Join(base, "watches"),
		SocketPath:       filepath.Join(base, "vigil.sock"),
		PIDFileDirectory: filepath.Join(base, "pids"),
		LogLevel:         "info",
		LogFormat:        "text",
		LogBufferSize:    100,
		TerminateTimeout: 10 * time.Second,
		Events:           "auto",
		ReloadAction:     "leave",
		NotifyRate:       1,
		NotifyBurst:      5,
		AuditLog:         filepath.Join(base, "audit.log"),
	}
}

// WithDefaults returns a copy of c with every unset field taken from d.
func (c Config) WithDefaults(d Config) Config {
	str := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	str(&c.SpecDir, d.SpecDir)
	str(&c.SocketPath, d.SocketPath)
	str(&c.PIDFileDirectory, d.PIDFileDirectory)
	str(&c.LogLevel, d.LogLevel)
	str(&c.LogFormat, d.LogFormat)
	str(&c.Events, d.Events)
	str(&c.ReloadAction, d.ReloadAction)
	str(&c.AuditLog, d.AuditLog)
	if c.LogBufferSize == 0 {
		c.LogBufferSize = d.LogBufferSize
	}
	if c.TerminateTimeout == 0 {
		c.TerminateTimeout = d.TerminateTimeout
	}
	if c.NotifyRate == 0 {
		c.NotifyRate = d.NotifyRate
	}
	if c.NotifyBurst == 0 {
		c.NotifyBurst = d.NotifyBurst
	}
	return c
}

// Validate rejects values the daemon cannot use.
func (c *Config) Validate() error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level %q is invalid", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	switch c.Events {
	case "auto", "pidfd", "poll", "none":
	default:
		return fmt.Errorf("events must be one of auto, pidfd, poll, none, got %q", c.Events)
	}
	switch c.ReloadAction {
	case "leave", "stop", "remove":
	default:
		return fmt.Errorf("reload_action must be one of leave, stop, remove, got %q", c.ReloadAction)
	}
	if c.LogBufferSize < 0 {
		return fmt.Errorf("log_buffer_size must not be negative")
	}
	if c.TerminateTimeout < 0 {
		return fmt.Errorf("terminate_timeout must not be negative")
	}
	if c.NotifyRate < 0 || c.NotifyBurst < 0 {
		return fmt.Errorf("notify_rate and notify_burst must not be negative")
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
