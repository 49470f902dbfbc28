package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"predict-duel/internal/api"
	"predict-duel/internal/observability"
)

//nolint:gochecknoglobals // Cobra boilerplate
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the settlement HTTP API",
	Long: `Starts the HTTP API with the configured store. Committed settlement
events are streamed on /ws/events and, when configured, published to Redis
and recorded in ClickHouse. With Redis, /ws/events?last_id= resumes from the
event log.`,
	RunE: runServe,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("config-loaded", zap.Any("config", cfg.Redacted()))

	var cl cleanups
	defer cl.run()

	metrics := observability.NewMetrics("", nil)
	deps, err := buildEngine(ctx, cfg, metrics, logger, &cl)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	apiCfg := &api.Config{
		Addr:           cfg.Server.Addr,
		Engine:         deps.engine,
		Broadcaster:    deps.broadcaster,
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		EnableFaucet:   cfg.Server.EnableFaucet,
	}
	if deps.publisher != nil {
		apiCfg.EventLog = deps.publisher
	}
	server := api.New(apiCfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown-signal-received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
