package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/MutazGhazal/npai-backend/pkg/npai/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newConfigCmd creates the `npai config` command for managing secrets.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage backend configuration and secrets",
		Long: `Manage NP AI configuration. Secrets are stored in the OS keyring
(Linux: Secret Service, macOS: Keychain, Windows: Credential Manager).

Examples:
  npai config set-key
  npai config set-encryption-key
  npai config show`,
	}

	cmd.AddCommand(
		newConfigSetKeyCmd(),
		newConfigSetEncryptionKeyCmd(),
		newConfigShowCmd(),
	)

	return cmd
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the OpenRouter API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := readSecret("OpenRouter API key (hidden input): ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no key entered")
			}
			if err := config.StoreKeyring(config.KeyAPIKey, key); err != nil {
				return fmt.Errorf("storing key in OS keyring: %w", err)
			}
			fmt.Println("API key stored in OS keyring.")
			return nil
		},
	}
}

func newConfigSetEncryptionKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-encryption-key",
		Short: "Store the bot-token encryption key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := readSecret("Encryption key or passphrase (hidden input): ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no key entered")
			}
			if err := config.StoreKeyring(config.KeyEncryption, key); err != nil {
				return fmt.Errorf("storing key in OS keyring: %w", err)
			}
			fmt.Println("Encryption key stored in OS keyring.")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Root().PersistentFlags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("Server:     port %d, rate limit %d/min\n",
				cfg.Server.Port, cfg.Server.RateLimitPerMinute)
			fmt.Printf("Model:      %s\n", cfg.OpenRouter.Model)
			fmt.Printf("Store:      %s\n", cfg.Store.Path)
			fmt.Printf("Sessions:   %s\n", cfg.WhatsApp.SessionDir)
			fmt.Printf("API key:    %s\n", secretStatus(cfg.OpenRouter.APIKey, config.KeyAPIKey))
			fmt.Printf("Encryption: %s\n", secretStatus(cfg.Encryption.Key, config.KeyEncryption))
			return nil
		},
	}
}

// readSecret reads a line from the terminal without echoing.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	secret, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

func secretStatus(configured string, keyringKey string) string {
	if config.GetKeyring(keyringKey) != "" {
		return "**** (OS keyring)"
	}
	if configured != "" {
		return "**** (config/env)"
	}
	return "not set"
}
