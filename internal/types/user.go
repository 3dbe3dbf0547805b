// Package types holds the value types shared by the storage layer and its
// consumers. Keeping them here avoids an import cycle between the interface
// package and the postgres implementation.
package types

import "time"

// AuthProvider identifies how a user authenticates.
type AuthProvider string

const (
	ProviderAnonymous AuthProvider = "anonymous"
	ProviderLocal     AuthProvider = "local"
	ProviderGitHub    AuthProvider = "github"
)

// APIProvider identifies an upstream model provider for BYOK keys.
type APIProvider string

const (
	APIProviderOpenAI     APIProvider = "openai"
	APIProviderAnthropic  APIProvider = "anthropic"
	APIProviderOpenRouter APIProvider = "openrouter"
)

// ValidAPIProvider reports whether p is a BYOK-supported provider.
func ValidAPIProvider(p APIProvider) bool {
	switch p {
	case APIProviderOpenAI, APIProviderAnthropic, APIProviderOpenRouter:
		return true
	}
	return false
}

// User is a row in the users table. API keys never appear here; they are
// readable only through UserService.GetAPIKey, which decrypts in the database.
type User struct {
	ID           string
	Email        *string
	DisplayName  *string
	AuthProvider AuthProvider
	GitHubID     *string
	IsAdmin      bool
	LoginCount   int
	LastLoginAt  *time.Time
	CreatedAt    time.Time

	Preferences Preferences
}

// Preferences are the per-user overrides layered over dynamic config.
// Nil means "not set"; the effective-config resolver falls through.
type Preferences struct {
	Theme                   *string
	PreferredModel          *string
	PreferredTemperature    *float64
	PreferredMaxTokens      *int
	PreferredNumDocuments   *int
	PreferredCondensePrompt *string
	PreferredChatPrompt     *string
	PreferredSystemPrompt   *string
	PreferredTopP           *float64
	PreferredTopK           *int
}

// Session is a server-side login session. The token is the primary key and
// is never derivable from user data.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
