package main

import (
	"github.com/Shugur-Network/w2nb/internal/application"
	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge that pages connect to",
		Long: `Run the websocket bridge. Each page connection gets its own window; open
requests launch the configured native applications and relay their messages.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			metrics.RegisterMetrics()

			logger.Info("Starting bridge...",
				zap.String("version", GetVersion()),
				zap.String("address", cfg.Bridge.WSAddr),
				zap.Int("applications", len(cfg.Bridge.Applications)))
			if len(cfg.Bridge.Applications) == 0 {
				logger.Warn("No native applications configured; every open request will be rejected")
			}

			node, err := application.New(ctx, cfg, nil)
			if err != nil {
				return err
			}
			if err := node.Start(ctx); err != nil {
				_ = node.Shutdown()
				return err
			}
			logger.Info("Bridge started successfully", zap.String("address", node.Addr().String()))

			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
			case err := <-node.Done():
				if err != nil {
					logger.Error("Bridge server stopped", zap.Error(err))
					_ = node.Shutdown()
					return err
				}
			}
			return node.Shutdown()
		},
	}
	cmd.Flags().String("ws-addr", "", "Websocket listen address, e.g. :8765")
	cmd.Flags().Int("metrics-port", 0, "Separate port for Prometheus metrics (0 serves them on the bridge)")
	return cmd
}
