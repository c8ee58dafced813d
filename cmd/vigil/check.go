package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/benaskins/vigil/internal/event"
	"github.com/benaskins/vigil/internal/spec"
	"github.com/benaskins/vigil/internal/supervise"
)

type checkResult struct {
	Path    string   `json:"path"`
	Watches []string `json:"watches,omitempty"`
	Valid   bool     `json:"valid"`
	Error   string   `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file-or-dir]",
	Short: "Validate watch definition files",
	Long: "Parse, build and validate YAML watch definitions without loading them. " +
		"Checks a specific file, a directory, or the configured spec directory (~/.vigil/watches/).",
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	target := cfg.SpecDir
	if len(args) > 0 {
		target = args[0]
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", target, err)
	}

	var files []string
	if info.IsDir() {
		yamlFiles, _ := filepath.Glob(filepath.Join(target, "*.yaml"))
		ymlFiles, _ := filepath.Glob(filepath.Join(target, "*.yml"))
		files = append(yamlFiles, ymlFiles...)
		sort.Strings(files)
		if len(files) == 0 {
			return fmt.Errorf("no YAML files found in %s", target)
		}
	} else {
		files = []string{target}
	}

	// Event conditions are only accepted when a backend is available, so
	// open the configured one without running it.
	events, err := event.Open(cfg.Events, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return fmt.Errorf("opening event backend: %w", err)
	}
	builder := &spec.Builder{
		Supervisor:       supervise.New(supervise.WithEvents(events)),
		PIDFileDirectory: cfg.PIDFileDirectory,
	}

	var results []checkResult
	var failed int
	for _, path := range files {
		r := checkResult{Path: path}
		f, err := spec.Load(path)
		if err == nil {
			err = builder.Check(f)
		}
		if err != nil {
			r.Error = err.Error()
			failed++
		} else {
			r.Valid = true
			for _, w := range f.Watches {
				r.Watches = append(r.Watches, w.Name)
			}
		}
		results = append(results, r)
	}

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Printf("OK    %s (%d watches)\n", r.Path, len(r.Watches))
			} else {
				fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", r.Path, r.Error)
			}
		}
		if len(files) > 1 {
			fmt.Printf("\n%d/%d files valid\n", len(files)-failed, len(files))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d file(s) failed validation", failed)
	}
	return nil
}
