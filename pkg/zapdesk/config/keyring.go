// Credential storage in the operating system's native keyring (Linux:
// Secret Service/GNOME Keyring, macOS: Keychain, Windows: Credential
// Manager).
//
// Priority for resolving the LLM API key:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. ZAPDESK_API_KEY / OPENAI_API_KEY environment variables
//  3. .env file (loaded by godotenv before this runs)
package config

import (
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "zapdesk"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns empty string
// if not found.
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

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__zapdesk_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey resolves the LLM API key through the priority chain.
func ResolveAPIKey() string {
	if key := GetKeyring(keyringAPIKey); key != "" {
		return key
	}
	if key := os.Getenv("ZAPDESK_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("OPENAI_API_KEY")
}

// StoreAPIKey saves the LLM API key to the keyring.
func StoreAPIKey(value string) error {
	return StoreKeyring(keyringAPIKey, value)
}
