package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/benaskins/vigil/internal/api"
	"github.com/benaskins/vigil/internal/audit"
	"github.com/benaskins/vigil/internal/config"
	"github.com/benaskins/vigil/internal/daemon"
	"github.com/benaskins/vigil/internal/logbuf"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the vigil daemon",
	Long: "Start the monitoring daemon. Loads watch definitions from the spec directory, " +
		"reloads them when they change and serves the control API. SIGHUP reloads; " +
		"SIGINT and SIGTERM quit and leave watched processes running.",
	RunE: runDaemon,
}

var apiAddr string

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9090)")
	rootCmd.AddCommand(daemonCmd)
}

func newLogger(cfg config.Config, w io.Writer, store *logbuf.Store) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logbuf.NewHandler(h, store))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if apiAddr != "" {
		cfg.APIAddr = apiAddr
	}

	store := logbuf.NewStore(cfg.LogBufferSize)
	logger := newLogger(cfg, os.Stderr, store)
	slog.SetDefault(logger)

	for _, dir := range []string{filepath.Dir(cfg.SocketPath), filepath.Dir(cfg.AuditLog)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	auditLog, err := audit.NewLogger(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	slog.Info("vigil daemon starting", "spec_dir", cfg.SpecDir, "events", cfg.Events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	d, err := daemon.NewDaemon(cfg, daemon.WithLogger(logger), daemon.WithLogStore(store))
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Remove stale socket
	os.Remove(cfg.SocketPath)

	srv := api.NewServer(d, auditLog, ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(cfg.SocketPath)
	}()

	if cfg.APIAddr != "" {
		go func() {
			if err := srv.ListenTCP(cfg.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listener error", "error", err)
			}
		}()
	}

	slog.Info("vigil daemon ready", "socket", cfg.SocketPath)

	terminate := false
wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				res, err := d.Reload(ctx)
				if err != nil {
					slog.Error("reload failed", "error", err)
					continue
				}
				slog.Info("reloaded", "loaded", res.Loaded, "unloaded", res.Unloaded)
				continue
			}
			slog.Info("received signal, shutting down", "signal", sig)
			break wait
		case terminate = <-d.ExitRequested():
			slog.Info("exit requested", "terminate", terminate)
			break wait
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("API server error", "error", err)
			}
			break wait
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.TerminateTimeout+cfg.TerminateTimeout/2)
	defer stopCancel()

	srv.Shutdown(stopCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(stopCtx)
	}
	d.Stop(stopCtx, terminate)
	cancel()
	os.Remove(cfg.SocketPath)

	slog.Info("vigil daemon stopped")
	return nil
}
