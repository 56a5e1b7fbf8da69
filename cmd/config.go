package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kvfleet/kvrouter/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Resolve and print the effective router configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultEnvConfig()
		if err := config.LoadYAML(configPath, &cfg); err != nil {
			logrus.Fatalf("kvrouter: loading config: %v", err)
		}
		if err := config.ApplyEnv(&cfg); err != nil {
			logrus.Fatalf("kvrouter: applying environment: %v", err)
		}
		if err := cfg.Router.Validate(); err != nil {
			logrus.Fatalf("kvrouter: invalid router config: %v", err)
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			logrus.Fatalf("kvrouter: marshalling resolved config: %v", err)
		}
		cmd.OutOrStdout().Write(out)
	},
}
