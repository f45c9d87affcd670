// Package commands implements the npai CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "npai",
		Short: "NP AI - Multi-channel AI chatbot backend",
		Long: `NP AI runs AI chatbots for end users over Telegram, WhatsApp and
Facebook Messenger, backed by OpenRouter chat completions.

Examples:
  npai serve
  npai serve --config ./config.yaml
  npai config set-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
