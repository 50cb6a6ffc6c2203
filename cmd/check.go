package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/querywatch/querywatch/daemon"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify connectivity to the store, every instance, and every alert channel",
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

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()

		d, err := daemon.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		failures := d.CheckHealth(ctx)
		if len(failures) == 0 {
			fmt.Println("all checks passed")
			return nil
		}
		for target, ferr := range failures {
			fmt.Printf("FAIL %s: %v\n", target, ferr)
		}
		return fmt.Errorf("%d check(s) failed", len(failures))
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
