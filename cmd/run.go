package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := buildLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		initCtx, cancel := context.WithTimeout(ctx, cfg.Store.ConnectTimeout.Std())
		d, err := daemon.New(initCtx, cfg, logger)
		cancel()
		if err != nil {
			// Fatal initialization: flush what we logged and bail.
			logger.Error("startup failed", zap.Error(err))
			logger.Sync()
			return err
		}
		return d.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
