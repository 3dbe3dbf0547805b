// Package storage defines the service interfaces satisfied by the postgres
// implementation, plus the shared error taxonomy.
//
// Consumers depend on these interfaces rather than on the concrete store so
// that fakes can be substituted in tests and alternative backends remain
// possible.
package storage

import (
	"context"
	"time"

	"github.com/archilabs/archi/internal/types"
)

// EmbeddingFunc produces an embedding vector for a piece of text. The vector
// length must match the configured embedding dimensionality.
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// UserUpsert carries the identity fields for GetOrCreate. A zero ID means
// "synthesize an anonymous id".
type UserUpsert struct {
	ID           string
	AuthProvider types.AuthProvider
	DisplayName  *string
	Email        *string
}

// UserService owns user identity, preferences, and encrypted BYOK keys.
type UserService interface {
	// GetOrCreate returns the user with the given id, creating it first if
	// absent. Existing preferences and API keys are preserved on upsert.
	GetOrCreate(ctx context.Context, u UserUpsert) (*types.User, error)
	Get(ctx context.Context, id string) (*types.User, error)
	GetByEmail(ctx context.Context, email string) (*types.User, error)

	// UpdatePreferences writes only the non-nil preference fields and audits
	// each accepted change.
	UpdatePreferences(ctx context.Context, id string, prefs types.Preferences) error

	// SetAPIKey encrypts the plaintext with the deployment encryption key
	// before write. Fails with ErrConfigurationMissing when the key is not
	// configured.
	SetAPIKey(ctx context.Context, id string, provider types.APIProvider, plaintext string) error
	// GetAPIKey decrypts inside the database. Returns "" (no error) if unset.
	GetAPIKey(ctx context.Context, id string, provider types.APIProvider) (string, error)

	// LinkAnonymousToAuthenticated merges the anonymous user's preferences and
	// keys into the authenticated user (existing authenticated values win),
	// rewrites conversation and document-default ownership, and deletes the
	// anonymous user, all in one transaction.
	LinkAnonymousToAuthenticated(ctx context.Context, anonID, authID string, provider types.AuthProvider, email, displayName *string) (*types.User, error)
}

// DynamicConfigUpdate holds the fields of one dynamic-config write. Nil
// fields are left untouched. All provided fields are validated atomically.
type DynamicConfigUpdate struct {
	ActivePipeline         *string
	ActiveModel            *string
	Temperature            *float64
	MaxTokens              *int
	SystemPrompt           *string
	TopP                   *float64
	TopK                   *int
	RepetitionPenalty      *float64
	ActiveCondensePrompt   *string
	ActiveChatPrompt       *string
	ActiveSystemPrompt     *string
	NumDocumentsToRetrieve *int
	UseHybridSearch        *bool
	BM25Weight             *float64
	SemanticWeight         *float64
	BM25K1                 *float64
	BM25B                  *float64
	IngestionSchedule      *string
	Verbosity              *string
}

// ConfigService exposes static (process-cached) and dynamic (read-through)
// configuration, the per-user effective overlay, and the audit log.
type ConfigService interface {
	Static(ctx context.Context) (*types.StaticConfig, error)
	// Reload invalidates the static cache atomically.
	Reload()

	Dynamic(ctx context.Context) (*types.DynamicConfig, error)
	// UpdateDynamic validates and applies the update, appending one audit row
	// per changed field in the same transaction. updatedBy is recorded on the
	// row so redeploys know a human has touched runtime settings.
	UpdateDynamic(ctx context.Context, upd DynamicConfigUpdate, updatedBy string) error

	// GetEffective resolves user_pref[field] ?? dynamic[field] ?? zero.
	// Unknown fields fall through to the dynamic-only lookup.
	GetEffective(ctx context.Context, field string, userID string) (any, error)

	AuditTrail(ctx context.Context, limit int) ([]types.ConfigAuditEntry, error)
}

// DocumentUpsert is the collector-facing write shape for the catalog. Known
// metadata keys land in structured columns; the rest goes to ExtraJSON and a
// flattened ExtraText used for substring search.
type DocumentUpsert struct {
	ResourceHash string
	FilePath     string
	DisplayName  string
	SourceType   string
	Metadata     map[string]any
}

// MetadataFilter is one AND-group of column or extra_text constraints.
// A list of filters is OR'ed together.
type MetadataFilter map[string]any

// CatalogService represents the document catalog and per-conversation
// enable/disable overrides.
type CatalogService interface {
	// Upsert is keyed by resource hash. Re-upserting a soft-deleted document
	// restores it.
	Upsert(ctx context.Context, doc DocumentUpsert) (*types.Document, error)
	GetByHash(ctx context.Context, resourceHash string) (*types.Document, error)
	// SoftDelete hides the document (and its chunks) from search and
	// retrieval. Returns false if no such document exists.
	SoftDelete(ctx context.Context, resourceHash string) (bool, error)

	// SearchMetadata matches query case-insensitively against the display
	// name, source type, url, ticket id, path columns and extra_text, AND-ing
	// entries within each filter and OR-ing across filters. limit <= 0 means
	// no limit. Results are ordered by most recent activity, NULLs last.
	SearchMetadata(ctx context.Context, query string, filters []MetadataFilter, limit int) ([]*types.Document, error)

	SetConversationDocumentEnabled(ctx context.Context, conversationID, resourceHash string, enabled bool) error
	SetConversationDocumentsEnabled(ctx context.Context, conversationID string, resourceHashes []string, enabled bool) error
	GetEnabledHashes(ctx context.Context, conversationID string) (map[string]bool, error)
	GetDisabledHashes(ctx context.Context, conversationID string) (map[string]bool, error)
}

// SemanticSearchOptions tunes a vector-only retrieval.
type SemanticSearchOptions struct {
	K              int
	Filter         map[string]string
	IncludeDeleted bool
}

// HybridSearchOptions tunes a blended BM25+semantic retrieval.
type HybridSearchOptions struct {
	K              int
	SemanticWeight float64
	BM25Weight     float64
	Filter         map[string]string
}

// VectorService owns the chunk table and retrieval queries. All queries are
// scoped to the configured collection label unless the caller opts out.
type VectorService interface {
	// AddTexts embeds and upserts chunks. Returns the chunk ids in input order.
	AddTexts(ctx context.Context, texts []string, metadatas []map[string]string, documentID int64) ([]int64, error)
	SimilaritySearchByVector(ctx context.Context, embedding []float32, opts SemanticSearchOptions) ([]types.ScoredChunk, error)
	// HybridSearch fails fast with ErrBM25Unavailable when the BM25 operator
	// class is absent; callers fall back to semantic-only.
	HybridSearch(ctx context.Context, query string, opts HybridSearchOptions) ([]types.ScoredChunk, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	DeleteByDocument(ctx context.Context, documentID int64) (int64, error)
}

// SelectionService resolves the effective enabled-document set under the
// three-tier precedence: conversation override > user default > enabled.
type SelectionService interface {
	SetUserDefault(ctx context.Context, userID string, documentID int64, enabled bool) error
	SetUserDefaults(ctx context.Context, userID string, documentIDs []int64, enabled bool) error
	SetConversationOverride(ctx context.Context, conversationID string, documentID int64, enabled bool) error

	GetEnabledDocumentIDs(ctx context.Context, userID, conversationID string) ([]int64, error)
	GetEnabledDocumentHashes(ctx context.Context, userID, conversationID string) ([]string, error)
}

// MessageInsert is one message in a batch append.
type MessageInsert struct {
	ConversationID string
	Sender         string
	Content        string
	Link           *string
	Context        *string
	ModelUsed      *string
	PipelineUsed   *string
	ArchiService   string
}

// ABComparisonCreate records a new A/B comparison over persisted messages.
type ABComparisonCreate struct {
	ConversationID string
	UserPromptMID  int64
	ResponseAMID   int64
	ResponseBMID   int64
	ModelA         string
	PipelineA      string
	ModelB         string
	PipelineB      string
	IsConfigAFirst bool
}

// ConversationService persists messages and A/B comparison records.
type ConversationService interface {
	EnsureConversation(ctx context.Context, conversationID string, userID *string, title string) error
	// AddMessages appends a batch and returns the generated message ids in
	// input order.
	AddMessages(ctx context.Context, msgs []MessageInsert) ([]int64, error)
	GetHistory(ctx context.Context, conversationID string, limit, offset int) ([]*types.Message, error)
	ListUserConversations(ctx context.Context, userID, service string) ([]types.ConversationSummary, error)

	CreateComparison(ctx context.Context, c ABComparisonCreate) (*types.ABComparison, error)
	// RecordPreference stamps preference_ts. value must be one of a/b/tie/skip.
	RecordPreference(ctx context.Context, comparisonID, value string) error
	DeleteComparison(ctx context.Context, comparisonID string) (bool, error)
	ComparisonStats(ctx context.Context) ([]types.ABModelPairStats, error)
}

// AuthStore exposes the credential-level operations the auth service needs.
// Password hashes never travel through UserService; only this interface and
// the auth package see them.
type AuthStore interface {
	// CredentialsByEmail returns the user id and stored password hash (nil
	// when the account has none, e.g. federated-only users).
	CredentialsByEmail(ctx context.Context, email string) (userID string, passwordHash *string, err error)
	// RecordLogin bumps login_count and stamps last_login_at.
	RecordLogin(ctx context.Context, userID string) error

	GetByGitHubID(ctx context.Context, githubID string) (*types.User, error)
	// LinkGitHubID attaches a federated identity to an existing account.
	LinkGitHubID(ctx context.Context, userID, githubID string) error

	// UpsertAdmin idempotently creates or promotes the admin account. A nil
	// passwordHash leaves any existing hash in place.
	UpsertAdmin(ctx context.Context, email string, passwordHash *string) (*types.User, error)
}

// SessionService owns login sessions for the auth layer.
type SessionService interface {
	Create(ctx context.Context, userID string, lifetime time.Duration) (*types.Session, error)
	// Validate returns the session's user. Expired sessions are deleted on
	// lookup and reported as ErrAuthentication.
	Validate(ctx context.Context, token string) (*types.User, error)
	Delete(ctx context.Context, token string) error
	CleanupExpired(ctx context.Context) (int64, error)
}
