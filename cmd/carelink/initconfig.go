package main

import (
	"os"

	"github.com/spf13/cobra"

	"carelink/internal/config"
)

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configPath
			if cfgPath == "" {
				if err := os.MkdirAll(config.DefaultConfigDir(), 0o755); err != nil {
					return err
				}
				cfgPath = config.DefaultConfigPath()
			}
			if _, err := os.Stat(cfgPath); err == nil {
				logger.Warn("config already exists, not overwriting", "path", cfgPath)
				return nil
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("config written", "path", cfgPath)
			return nil
		},
	}
}
