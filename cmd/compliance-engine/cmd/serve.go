package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/compliance-engine/internal/server"
)

var (
	serverAddr   string
	serverDebug  bool
	readTimeout  time.Duration
	writeTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server.

The API provides endpoints for:
  - POST /api/v1/register-invoice               - Link, render and register an invoice
  - GET  /api/v1/records/:invoiceId             - Poll a compliance record
  - POST /api/v1/records/:invoiceId/resume      - Resume an unfinished submission
  - GET  /api/v1/tenants/:tenantId/chain/verify - Recompute a tenant's chain
  - POST /api/v1/tenants/:tenantId/reconcile    - Reconcile with the authority
  - GET  /api/v1/compliance-health              - Certificate and service status
  - GET  /health                                - Liveness
  - GET  /metrics                               - Prometheus metrics

The certificate bundle, its passphrase file and the service description are
required; the server refuses to start without them.

Examples:
  # Start server on the configured address
  compliance-engine serve

  # Start on a custom port in debug mode
  compliance-engine serve --address :9090 --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (env: COMPLIANCE_ADDR)")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
	serveCmd.Flags().DurationVar(&readTimeout, "read-timeout", 30*time.Second, "HTTP read timeout")
	serveCmd.Flags().DurationVar(&writeTimeout, "write-timeout", 5*time.Minute, "HTTP write timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serverAddr == "" {
		serverAddr = cfg.Addr
	}

	eng, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	config := &server.Config{
		Address:        serverAddr,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Debug:          serverDebug || cfg.Debug,
	}
	srv := server.NewServer(config, server.Dependencies{
		Coordinator: eng.coordinator,
		Records:     eng.records,
		Chain:       eng.linker,
		Health:      eng.health,
		Gatherer:    eng.registry,
		Logger:      logger,
	})

	logger.Info("starting server",
		"address", serverAddr, "authority", eng.client.Endpoint(), "operations", eng.client.Operations())

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Info("server stopped")
	}
	return nil
}
