package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskdirector/taskdirector/internal/config"
	"github.com/taskdirector/taskdirector/internal/director"
	"github.com/taskdirector/taskdirector/internal/logging"
	"github.com/taskdirector/taskdirector/internal/observability"
	"github.com/taskdirector/taskdirector/internal/router"
	"github.com/taskdirector/taskdirector/internal/transport"
)

var (
	// Version information, set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "taskdirectord",
	Short:   "Task Director - coordinates distributed build step execution across workers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("taskdirectord version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Task Director server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		verbose, _ := cmd.Flags().GetBool("verbose")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg = loaded
		}
		if verbose {
			cfg.Logging.Verbose = true
		}

		logger := logging.NewStdLogger(cfg.Logging.Verbose)

		shutdownTracer, err := observability.InitTracer(cfg.Observability.ServiceName, cfg.Observability.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}

		directorMetrics := observability.NewDirectorMetrics()
		endpointMetrics := observability.NewEndpointMetrics()

		rt := router.New(logger)
		dir := director.New(rt, logger, directorMetrics)
		rt.SetDirector(dir)

		srv := transport.NewServer(cfg.Listen.Address, rt, logger, cfg.Listen.OutboundQueueSize, endpointMetrics)

		errCh, err := srv.StartBackground()
		if err != nil {
			return fmt.Errorf("starting server: %w", err)
		}

		stopMetrics := startMetricsServer(cfg.Observability.MetricsAddress, logger)
		defer stopMetrics()

		logger.Info("taskdirectord_started", "listen_address", cfg.Listen.Address, "metrics_address", cfg.Observability.MetricsAddress)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info("shutdown_signal_received")
		case err := <-errCh:
			if err != nil {
				logger.Error("server_error", "error", err.Error())
			}
		}

		srv.Shutdown(cfg.Listen.ShutdownTimeout)
		if err := shutdownTracer(cmd.Context()); err != nil {
			logger.Warn("tracer_shutdown_error", "error", err.Error())
		}
		logger.Info("taskdirectord_stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults applied if omitted)")
	serveCmd.Flags().Bool("verbose", false, "Enable debug-level logging")
}

func startMetricsServer(addr string, logger logging.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics_server_error", "error", err.Error())
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
