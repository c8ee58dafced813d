package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "vigil",
	Short:        "Process monitoring framework",
	SilenceUsage: true,
}

var (
	configPath string
	socketFlag string
	jsonOut    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.vigil/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "control socket path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print machine-readable JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
