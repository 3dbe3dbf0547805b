package postgres

import (
	"context"
	"fmt"
)

// Required extensions. vchord_bm25 is optional and probed separately; the
// others are hard requirements of the schema.
const extensionsSQL = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pgcrypto;
CREATE EXTENSION IF NOT EXISTS pg_trgm;
`

// schemaTemplate is the full physical schema. The single %d is the embedding
// dimensionality, fixed per deployment by static config. All statements are
// idempotent so initialization can be re-run on every deploy.
const schemaTemplate = `
-- Users
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE,
    display_name TEXT,
    auth_provider TEXT NOT NULL DEFAULT 'anonymous',
    password_hash TEXT,
    github_id TEXT UNIQUE,
    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
    login_count INTEGER NOT NULL DEFAULT 0,
    last_login_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    -- Preference overlay (NULL = fall through to dynamic config)
    theme TEXT,
    preferred_model TEXT,
    preferred_temperature DOUBLE PRECISION,
    preferred_max_tokens INTEGER,
    preferred_num_documents INTEGER,
    preferred_condense_prompt TEXT,
    preferred_chat_prompt TEXT,
    preferred_system_prompt TEXT,
    preferred_top_p DOUBLE PRECISION,
    preferred_top_k INTEGER,
    -- BYOK keys, pgp_sym_encrypt'ed with the deployment key
    api_key_openrouter BYTEA,
    api_key_openai BYTEA,
    api_key_anthropic BYTEA,
    CHECK (auth_provider <> 'anonymous' OR password_hash IS NULL)
);

-- Login sessions
CREATE TABLE IF NOT EXISTS sessions (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

-- Static config singleton (id is always TRUE, so at most one row exists)
CREATE TABLE IF NOT EXISTS static_config (
    id BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    deployment_name TEXT NOT NULL,
    config_version TEXT NOT NULL DEFAULT '',
    data_path TEXT NOT NULL DEFAULT '',
    embedding_model TEXT NOT NULL,
    embedding_dimensions INTEGER NOT NULL,
    chunk_size INTEGER NOT NULL DEFAULT 512,
    chunk_overlap INTEGER NOT NULL DEFAULT 64,
    distance_metric TEXT NOT NULL DEFAULT 'cosine'
        CHECK (distance_metric IN ('cosine', 'l2', 'inner_product')),
    available_pipelines TEXT[] NOT NULL DEFAULT '{}',
    available_models TEXT[] NOT NULL DEFAULT '{}',
    available_providers TEXT[] NOT NULL DEFAULT '{}',
    auth_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    session_lifetime_days INTEGER NOT NULL DEFAULT 30,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Dynamic config singleton. updated_by stays NULL until a human writes, so
-- deploy-time seeding knows whether it may overwrite.
CREATE TABLE IF NOT EXISTS dynamic_config (
    id BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    active_pipeline TEXT NOT NULL DEFAULT '',
    active_model TEXT NOT NULL DEFAULT '',
    temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7
        CHECK (temperature >= 0 AND temperature <= 2),
    max_tokens INTEGER NOT NULL DEFAULT 1024 CHECK (max_tokens >= 1),
    system_prompt TEXT,
    top_p DOUBLE PRECISION NOT NULL DEFAULT 1.0 CHECK (top_p >= 0 AND top_p <= 1),
    top_k INTEGER NOT NULL DEFAULT 40 CHECK (top_k >= 0),
    repetition_penalty DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    active_condense_prompt TEXT NOT NULL DEFAULT '',
    active_chat_prompt TEXT NOT NULL DEFAULT '',
    active_system_prompt TEXT NOT NULL DEFAULT '',
    num_documents_to_retrieve INTEGER NOT NULL DEFAULT 5
        CHECK (num_documents_to_retrieve >= 1),
    use_hybrid_search BOOLEAN NOT NULL DEFAULT TRUE,
    bm25_weight DOUBLE PRECISION NOT NULL DEFAULT 0.3
        CHECK (bm25_weight >= 0 AND bm25_weight <= 1),
    semantic_weight DOUBLE PRECISION NOT NULL DEFAULT 0.7
        CHECK (semantic_weight >= 0 AND semantic_weight <= 1),
    bm25_k1 DOUBLE PRECISION NOT NULL DEFAULT 1.2,
    bm25_b DOUBLE PRECISION NOT NULL DEFAULT 0.75,
    ingestion_schedule TEXT NOT NULL DEFAULT '{}',
    verbosity TEXT NOT NULL DEFAULT 'info',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_by TEXT
);

-- Append-only audit of accepted config writes
CREATE TABLE IF NOT EXISTS config_audit (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT,
    changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    config_type TEXT NOT NULL CHECK (config_type IN ('dynamic', 'user_pref')),
    field_name TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT
);
CREATE INDEX IF NOT EXISTS idx_config_audit_changed ON config_audit(changed_at);

-- Document catalog
CREATE TABLE IF NOT EXISTS documents (
    id BIGSERIAL PRIMARY KEY,
    resource_hash TEXT NOT NULL UNIQUE,
    file_path TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    source_type TEXT NOT NULL DEFAULT '',
    url TEXT,
    ticket_id TEXT,
    suffix TEXT,
    size_bytes BIGINT,
    original_path TEXT,
    base_path TEXT,
    relative_path TEXT,
    file_modified_at TIMESTAMPTZ,
    ingested_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    extra_json JSONB NOT NULL DEFAULT '{}',
    extra_text TEXT NOT NULL DEFAULT '',
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_documents_source_type ON documents(source_type);
CREATE INDEX IF NOT EXISTS idx_documents_live ON documents(id) WHERE NOT is_deleted;
CREATE INDEX IF NOT EXISTS idx_documents_extra_text_trgm
    ON documents USING GIN (extra_text gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_documents_display_name_trgm
    ON documents USING GIN (display_name gin_trgm_ops);

-- Chunk + embedding index. metadata.resource_hash is still written for
-- back-compat readers; queries join on the document_id FK.
CREATE TABLE IF NOT EXISTS document_chunks (
    id BIGSERIAL PRIMARY KEY,
    document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    chunk_text TEXT NOT NULL,
    embedding vector(%d),
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_embedding_hnsw
    ON document_chunks USING hnsw (embedding vector_cosine_ops);

-- Three-tier document selection
CREATE TABLE IF NOT EXISTS user_document_defaults (
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    enabled BOOLEAN NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, document_id)
);

CREATE TABLE IF NOT EXISTS conversation_document_overrides (
    conversation_id TEXT NOT NULL,
    document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    enabled BOOLEAN NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (conversation_id, document_id)
);

-- Conversations. conversation_id is the canonical string key; the surrogate
-- bigint PK exists only for the benefit of the legacy migration.
CREATE TABLE IF NOT EXISTS conversation_metadata (
    id BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL UNIQUE,
    user_id TEXT,
    title TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_conversation_metadata_user ON conversation_metadata(user_id);

CREATE TABLE IF NOT EXISTS conversation_messages (
    message_id BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    content TEXT NOT NULL,
    link TEXT,
    context TEXT,
    ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    model_used TEXT,
    pipeline_used TEXT,
    archi_service TEXT NOT NULL DEFAULT '',
    legacy_config_id BIGINT
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON conversation_messages(conversation_id, message_id);

-- A/B comparisons over persisted messages
CREATE TABLE IF NOT EXISTS ab_comparisons (
    comparison_id UUID PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    user_prompt_mid BIGINT NOT NULL REFERENCES conversation_messages(message_id),
    response_a_mid BIGINT NOT NULL REFERENCES conversation_messages(message_id),
    response_b_mid BIGINT NOT NULL REFERENCES conversation_messages(message_id),
    model_a TEXT NOT NULL,
    pipeline_a TEXT NOT NULL,
    model_b TEXT NOT NULL,
    pipeline_b TEXT NOT NULL,
    is_config_a_first BOOLEAN NOT NULL DEFAULT TRUE,
    preference TEXT CHECK (preference IN ('a', 'b', 'tie', 'skip')),
    preference_ts TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_comparisons_conversation ON ab_comparisons(conversation_id);
CREATE INDEX IF NOT EXISTS idx_comparisons_models ON ab_comparisons(model_a, model_b);

-- Resumable migration bookkeeping
CREATE TABLE IF NOT EXISTS migration_state (
    id BIGSERIAL PRIMARY KEY,
    migration_name TEXT NOT NULL UNIQUE,
    started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ,
    status TEXT NOT NULL DEFAULT 'in_progress'
        CHECK (status IN ('in_progress', 'completed', 'failed')),
    last_checkpoint JSONB,
    error_message TEXT
);
`

// bm25SetupSQL adds the lexical column and index. Only run when the
// VectorChord-BM25 extension is installed.
const bm25SetupSQL = `
ALTER TABLE document_chunks ADD COLUMN IF NOT EXISTS chunk_bm25 bm25vector;
CREATE INDEX IF NOT EXISTS idx_chunks_bm25
    ON document_chunks USING bm25 (chunk_bm25 bm25_ops);
`

// InitSchema creates extensions, tables and indexes. Deterministic and
// idempotent; run on every deploy before config seeding.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.cfg.EmbeddingDimensions <= 0 {
		return fmt.Errorf("init schema: embedding dimensions not configured")
	}
	if _, err := s.db.Exec(ctx, extensionsSQL); err != nil {
		return fmt.Errorf("create extensions: %w", err)
	}

	// The BM25 extension is optional. Attempt it, then re-probe; consumers
	// branch on the capability flag rather than catching errors.
	if _, err := s.db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vchord_bm25 CASCADE`); err != nil {
		s.log.Warn("vchord_bm25 extension unavailable", "err", err)
	}
	if err := s.probeCapabilities(ctx); err != nil {
		return err
	}

	schema := fmt.Sprintf(schemaTemplate, s.cfg.EmbeddingDimensions)
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	if s.HasBM25() {
		if _, err := s.db.Exec(ctx, bm25SetupSQL); err != nil {
			return fmt.Errorf("initialize bm25 index: %w", err)
		}
	}
	return nil
}
