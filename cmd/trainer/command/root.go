package command

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"remote-trainer/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "trainer",
	Short:        "Run fine-tuning jobs on ephemeral GPU instances",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config/trainer.yaml", "Path to configuration file")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration and installs the global logger
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.InitLog(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
