package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/crucible/internal/doctor"
	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/metrics"
	"github.com/michaelbrown/crucible/internal/server"
	"github.com/michaelbrown/crucible/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Crucible API server",
	Long: `Start the Crucible HTTP server with REST API and WebSocket support.

API endpoints are under /api. Prometheus metrics are served at /metrics.

Examples:
  crucible serve
  crucible serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	exec, err := executor.FromConfig(cfg, logger, m)
	if err != nil {
		return err
	}

	report := doctor.Run(cmd.Context(), cfg, logger)
	if !report.OK {
		logger.Warn("environment is not fully ready; executions may fail until it is fixed")
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, exec, store, m, logger)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
