package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// serviceManager installs the daemon with the platform's user service
// manager.
type serviceManager interface {
	install(binary, logPath string) (string, error)
	uninstall() error
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install vigil as a user service (starts on login)",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("finding binary path: %w", err)
		}
		binary, err = filepath.EvalSymlinks(binary)
		if err != nil {
			return fmt.Errorf("resolving binary path: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logPath := filepath.Join(filepath.Dir(cfg.SocketPath), "daemon.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}

		path, err := platformManager().install(binary, logPath)
		if err != nil {
			return err
		}
		fmt.Printf("Installed: %s\n", path)
		fmt.Printf("Binary: %s\n", binary)
		fmt.Printf("Logs: %s\n", logPath)
		fmt.Println("vigil daemon will start now and on every login.")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the vigil user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := platformManager().uninstall(); err != nil {
			return err
		}
		fmt.Println("Uninstalled vigil user service.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}
