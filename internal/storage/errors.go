package storage

import "errors"

// Sentinel errors shared across storage implementations. Callers match with
// errors.Is; the HTTP layer maps them onto status codes (ErrPoolTimeout -> 503,
// ErrAuthentication -> 401, ConfigValidationError -> 400).
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPoolTimeout indicates the connection pool was exhausted for longer
	// than the acquire timeout. Transient; safe to retry.
	ErrPoolTimeout = errors.New("connection pool timeout")

	// ErrPoolClosed indicates the pool has been shut down. Fatal to the request.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrAuthentication indicates wrong credentials or no matching account.
	// The message is deliberately generic; never wrap credential detail into it.
	ErrAuthentication = errors.New("invalid credentials")

	// ErrConfigurationMissing indicates required deployment configuration is
	// absent (e.g. BYOK_ENCRYPTION_KEY when touching API keys).
	ErrConfigurationMissing = errors.New("required configuration missing")

	// ErrMigrationBlocked indicates a structural precondition for a migration
	// step is unmet (e.g. legacy references remain). Not retried automatically.
	ErrMigrationBlocked = errors.New("migration blocked")

	// ErrBM25Unavailable indicates the BM25 operator class is not installed.
	// Higher-level retrievers fall back to semantic-only search.
	ErrBM25Unavailable = errors.New("bm25 index unavailable")
)
