package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jobmate/scoring-service/internal/config"
	"jobmate/scoring-service/internal/logger"
)

const app = "scoring-service"

var (
	// Used for flags.
	cfgFile string
	v       = config.New()

	rootCmd = &cobra.Command{
		Use:           app,
		Short:         "scoring-service computes CV/job compatibility scores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	_ = v.BindPFlag("log.debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("json"))
}

// loadConfig reads configuration and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
