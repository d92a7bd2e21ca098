package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/memindex/internal/mcp"
	"github.com/dshills/memindex/internal/memory"
	"github.com/dshills/memindex/internal/metrics"
	"github.com/dshills/memindex/internal/storage"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Long: `Run the MCP server on stdio. Logs go to stderr. With --metrics-addr,
Prometheus metrics are served on that address at /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint (e.g. :9464)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}
	logger := newLogger(cfg)

	logger.Info().
		Str("version", version).
		Str("build_mode", storage.BuildMode).
		Str("driver", storage.DriverName).
		Bool("vector_extension", storage.VectorExtensionAvailable).
		Msg("memindex MCP server starting")

	registry := memory.NewRegistry(cfg, memory.Deps{Logger: logger})
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close memory index")
		}
	}()

	// Open the default agent up front so configuration errors surface at startup
	if _, err := registry.Get(cmd.Context(), ""); err != nil {
		return err
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mcp.ServerVersion = version
	server := mcp.NewServer(registry, logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
		cancel()
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	logger.Info().Msg("server stopped")
	return nil
}
