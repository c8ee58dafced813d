package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/benaskins/vigil/internal/config"
)

// loadConfig reads the config file named by --config, or the default one,
// and fills in every unset key.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	out := cfg.WithDefaults(config.Defaults(config.Home()))
	if socketFlag != "" {
		out.SocketPath = socketFlag
	}
	if err := out.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func socketPath() string {
	if socketFlag != "" {
		return socketFlag
	}
	cfg, err := loadConfig()
	if err != nil {
		return config.Defaults(config.Home()).SocketPath
	}
	return cfg.SocketPath
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
