//go:build darwin

package main

import (
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const launchAgentLabel = "dev.vigil.daemon"

type launchd struct{}

func platformManager() serviceManager { return launchd{} }

func plistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home dir: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist"), nil
}

func launchAgent(binary, logPath string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>daemon</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
</dict>
</plist>
`, launchAgentLabel, html.EscapeString(binary), html.EscapeString(logPath), html.EscapeString(logPath))
}

func (launchd) install(binary, logPath string) (string, error) {
	path, err := plistPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating LaunchAgents dir: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(launchAgent(binary, logPath)), 0644); err != nil {
		return "", fmt.Errorf("writing plist: %w", err)
	}
	if err := exec.Command("launchctl", "load", path).Run(); err != nil {
		return "", fmt.Errorf("launchctl load: %w", err)
	}
	return path, nil
}

func (launchd) uninstall() error {
	path, err := plistPath()
	if err != nil {
		return err
	}
	// may not be loaded
	_ = exec.Command("launchctl", "unload", path).Run()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing plist: %w", err)
	}
	return nil
}
