// keyring.go resolves secrets through the operating system's native keyring
// (Linux: Secret Service, macOS: Keychain, Windows: Credential Manager).
//
// Priority for each secret:
//  1. OS keyring (encrypted by the OS)
//  2. Environment variable / .env (already applied by Load)
//  3. config.yaml value (plaintext on disk, least secure)
package config

import (
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "npai"

	// KeyAPIKey names the OpenRouter API key entry.
	KeyAPIKey = "openrouter_api_key"

	// KeyEncryption names the token-encryption key entry.
	KeyEncryption = "encryption_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets fills in the API key and encryption key from the OS keyring
// when the environment and config left them empty. Keyring values win over
// plaintext config values.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if val := GetKeyring(KeyAPIKey); val != "" {
		cfg.OpenRouter.APIKey = val
		logger.Debug("API key loaded from OS keyring")
	}
	if val := GetKeyring(KeyEncryption); val != "" {
		cfg.Encryption.Key = val
		logger.Debug("encryption key loaded from OS keyring")
	}

	if cfg.OpenRouter.APIKey == "" {
		logger.Warn("no OpenRouter API key configured; AI replies will use the fallback message",
			"hint", "npai config set-key or OPENROUTER_API_KEY")
	}
	if cfg.Encryption.Key == "" {
		logger.Warn("no encryption key configured; the server will refuse to start",
			"hint", "npai config set-encryption-key or ENCRYPTION_KEY")
	}
}
