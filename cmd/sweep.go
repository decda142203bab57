package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jobmate/scoring-service/internal/scoring"
	"jobmate/scoring-service/internal/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention cleanup and stuck-calculation sweep, then exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()
		b, err := connect(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		sw := sweeper.New(b.store, scoring.NewRedisPublisher(b.rdb, log), nil, sweeperConfig(cfg), log)
		rep, err := sw.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("sweep complete", zap.Int64("deleted", rep.Deleted), zap.Int("reaped", rep.Reaped))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().Int("retention-days", 0, "delete jobs older than this many days (overrides SWEEPER_RETENTION_DAYS)")
	sweepCmd.Flags().Duration("stuck-after", 0, "move jobs calculating longer than this to error")
	_ = v.BindPFlag("sweeper.retention-days", sweepCmd.Flags().Lookup("retention-days"))
	_ = v.BindPFlag("sweeper.stuck-after", sweepCmd.Flags().Lookup("stuck-after"))
}
