//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/renameio/v2"
)

const unitName = "vigil.service"

type systemd struct{}

func platformManager() serviceManager { return systemd{} }

func unitPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("finding config dir: %w", err)
	}
	return filepath.Join(dir, "systemd", "user", unitName), nil
}

func userUnit(binary, logPath string) string {
	return fmt.Sprintf(`[Unit]
Description=vigil process monitor

[Service]
ExecStart=%s daemon
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
KillMode=process
StandardOutput=append:%s
StandardError=append:%s

[Install]
WantedBy=default.target
`, strconv.Quote(binary), logPath, logPath)
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %v: %w: %s", args, err, out)
	}
	return nil
}

func (systemd) install(binary, logPath string) (string, error) {
	path, err := unitPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating unit dir: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(userUnit(binary, logPath)), 0644); err != nil {
		return "", fmt.Errorf("writing unit: %w", err)
	}
	if err := systemctl("daemon-reload"); err != nil {
		return "", err
	}
	if err := systemctl("enable", "--now", unitName); err != nil {
		return "", err
	}
	return path, nil
}

func (systemd) uninstall() error {
	path, err := unitPath()
	if err != nil {
		return err
	}
	// may not be enabled
	_ = systemctl("disable", "--now", unitName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit: %w", err)
	}
	return systemctl("daemon-reload")
}
