package config

import (
	"os"
	"strings"
)

// Getenv resolves NAME with file indirection: when NAME_FILE is set and
// readable, its contents win (whitespace stripped). This lets deployments
// mount secrets as files instead of exporting them.
func Getenv(name string) string {
	if path := os.Getenv(name + "_FILE"); path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(raw))
		}
	}
	return strings.TrimSpace(os.Getenv(name))
}

// EncryptionKey returns the deployment BYOK key. Empty disables API-key
// storage and retrieval.
func EncryptionKey() string {
	return Getenv("BYOK_ENCRYPTION_KEY")
}
