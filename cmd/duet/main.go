// Package main is the CLI entry point for duet, the loopback message
// bridge between the claude and codex CLI assistants.
//
// Start the server:
//
//	duet serve --config duet.yaml
//
// Configuration can also come from environment variables: PORT, DB_PATH,
// KG_URL, CODEX_MCP_ENABLED, CODEX_PATH, CODEX_SANDBOX,
// CODEX_APPROVAL_POLICY, CODEX_BASE_INSTRUCTIONS.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/duet/internal/config"
	"github.com/haasonsaas/duet/internal/dispatch"
	"github.com/haasonsaas/duet/internal/kg"
	"github.com/haasonsaas/duet/internal/observability"
	"github.com/haasonsaas/duet/internal/peer"
	"github.com/haasonsaas/duet/internal/queue"
	"github.com/haasonsaas/duet/internal/registry"
	"github.com/haasonsaas/duet/internal/store"
	"github.com/haasonsaas/duet/internal/transport"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "duet",
		Short:        "duet - loopback bridge between claude and codex",
		Long:         "duet brokers messages between the claude and codex CLI assistants\nover a local tool-call protocol with offline queueing and on-demand\nsubprocess invocation.",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		jsonLogs   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Debug = true
			}
			return runServe(cfg, jsonLogs)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
	return cmd
}

func runServe(cfg config.Config, jsonLogs bool) error {
	logger := observability.NewLogger(cfg.Debug, jsonLogs)
	metrics, promReg := observability.NewMetrics()

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := registry.New()
	kgClient := kg.New(cfg.KGURL, logger)

	var peerClient dispatch.PeerClient
	if cfg.Codex.MCPEnabled {
		client := peer.NewClient(cfg.Codex, logger)
		defer client.Close()
		peerClient = client
	}
	executor := peer.NewExecutor(cfg.Codex, st, logger)
	dispatcher := dispatch.New(st, reg, peerClient, executor, metrics, logger)

	processor := queue.NewProcessor(st, reg, metrics, logger)
	ts := transport.New(st, reg, dispatcher, kgClient, processor, metrics, promReg, cfg.Port, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor.Start(ctx)
	defer processor.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: ts.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "db", cfg.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ts.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}
