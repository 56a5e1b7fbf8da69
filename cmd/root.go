// cmd/root.go
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kvrouter",
	Short: "KV-cache-aware routing core for a distributed inference fleet",
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; env vars and defaults otherwise)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}
