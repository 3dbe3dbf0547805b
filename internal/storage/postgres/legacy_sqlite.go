package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// legacyCatalog reads the pre-consolidation SQLite database. It holds the
// documents, configs, conversations and messages tables; all four stream out
// in rowid order so the checkpoint can key on the last migrated id.
type legacyCatalog struct {
	db *sql.DB
}

func openLegacyCatalog(path string) (*legacyCatalog, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("legacy catalog: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open legacy catalog: %w", err)
	}
	return &legacyCatalog{db: db}, nil
}

func (c *legacyCatalog) Close() error { return c.db.Close() }

func (c *legacyCatalog) count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	return n, err
}

// configPhase copies the legacy config rows into an interim Postgres table so
// the message phase can resolve model/pipeline attribution by id. The interim
// table is removed by the terminal drop step.
type configPhase struct {
	cat   *legacyCatalog
	store *Store
}

func (p *configPhase) Name() string   { return "configs" }
func (p *configPhase) BatchSize() int { return documentBatchSize }

func (p *configPhase) Count(ctx context.Context) (int64, error) {
	return p.cat.count(ctx, "configs")
}

func (p *configPhase) Next(ctx context.Context, lastID int64, limit int) ([]migrationRecord, error) {
	if lastID == 0 {
		_, err := p.store.db.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS legacy_configs (
				id BIGINT PRIMARY KEY,
				model TEXT NOT NULL DEFAULT '',
				pipeline TEXT NOT NULL DEFAULT ''
			)`)
		if err != nil {
			return nil, wrapDBError("create interim config table", err)
		}
	}

	rows, err := p.cat.db.QueryContext(ctx, `
		SELECT id, COALESCE(model, ''), COALESCE(pipeline, '')
		FROM configs WHERE id > ? ORDER BY id LIMIT ?`, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("read legacy configs: %w", err)
	}
	defer rows.Close()

	var out []migrationRecord
	for rows.Next() {
		var id int64
		var model, pipeline string
		if err := rows.Scan(&id, &model, &pipeline); err != nil {
			return nil, fmt.Errorf("scan legacy config: %w", err)
		}
		out = append(out, migrationRecord{id: id, apply: func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO legacy_configs (id, model, pipeline)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET
					model = EXCLUDED.model, pipeline = EXCLUDED.pipeline`,
				id, model, pipeline)
			return err
		}})
	}
	return out, rows.Err()
}

// documentPhase upserts catalog rows keyed by resource hash, so replaying a
// committed batch is a no-op.
type documentPhase struct {
	cat   *legacyCatalog
	store *Store
}

func (p *documentPhase) Name() string   { return "documents" }
func (p *documentPhase) BatchSize() int { return documentBatchSize }

func (p *documentPhase) Count(ctx context.Context) (int64, error) {
	return p.cat.count(ctx, "documents")
}

func (p *documentPhase) Next(ctx context.Context, lastID int64, limit int) ([]migrationRecord, error) {
	rows, err := p.cat.db.QueryContext(ctx, `
		SELECT id, resource_hash, COALESCE(file_path, ''), COALESCE(display_name, ''),
			COALESCE(source_type, ''), COALESCE(metadata, '{}')
		FROM documents WHERE id > ? ORDER BY id LIMIT ?`, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("read legacy documents: %w", err)
	}
	defer rows.Close()

	var out []migrationRecord
	for rows.Next() {
		var id int64
		var hash, filePath, displayName, sourceType, metaRaw string
		if err := rows.Scan(&id, &hash, &filePath, &displayName, &sourceType, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan legacy document: %w", err)
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
			meta = map[string]any{}
		}
		structured, extraJSON, extraText := splitMetadata(meta)
		extraBytes, err := json.Marshal(extraJSON)
		if err != nil {
			return nil, fmt.Errorf("encode legacy document metadata: %w", err)
		}
		out = append(out, migrationRecord{id: id, apply: func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO documents (resource_hash, file_path, display_name, source_type,
					url, ticket_id, suffix, size_bytes, original_path, base_path,
					relative_path, file_modified_at, ingested_at, extra_json, extra_text)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				ON CONFLICT (resource_hash) DO NOTHING`,
				hash, filePath, displayName, sourceType,
				metaString(structured["url"]), metaString(structured["ticket_id"]),
				metaString(structured["suffix"]), metaInt64(structured["size_bytes"]),
				metaString(structured["original_path"]), metaString(structured["base_path"]),
				metaString(structured["relative_path"]), metaTime(structured["file_modified_at"]),
				metaTime(structured["ingested_at"]), extraBytes, extraText)
			return err
		}})
	}
	return out, rows.Err()
}

// conversationPhase migrates conversation metadata. The legacy schema keyed
// conversations by integer surrogate; the string conversation_id becomes the
// canonical key here.
type conversationPhase struct {
	cat   *legacyCatalog
	store *Store
}

func (p *conversationPhase) Name() string   { return "conversations" }
func (p *conversationPhase) BatchSize() int { return conversationBatchSize }

func (p *conversationPhase) Count(ctx context.Context) (int64, error) {
	return p.cat.count(ctx, "conversations")
}

func (p *conversationPhase) Next(ctx context.Context, lastID int64, limit int) ([]migrationRecord, error) {
	rows, err := p.cat.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, COALESCE(title, ''), created_at
		FROM conversations WHERE id > ? ORDER BY id LIMIT ?`, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("read legacy conversations: %w", err)
	}
	defer rows.Close()

	var out []migrationRecord
	for rows.Next() {
		var id int64
		var conversationID, title, createdAt string
		var userID *string
		if err := rows.Scan(&id, &conversationID, &userID, &title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan legacy conversation: %w", err)
		}
		out = append(out, migrationRecord{id: id, apply: func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO conversation_metadata (conversation_id, user_id, title)
				VALUES ($1, $2, $3)
				ON CONFLICT (conversation_id) DO NOTHING`,
				conversationID, userID, title)
			return err
		}})
	}
	return out, rows.Err()
}

// messagePhase migrates messages, resolving the legacy config id into
// model/pipeline attribution where the interim config table has a match.
// Unresolvable ids stay in legacy_config_id and block the terminal drop.
type messagePhase struct {
	cat   *legacyCatalog
	store *Store
}

func (p *messagePhase) Name() string   { return "messages" }
func (p *messagePhase) BatchSize() int { return conversationBatchSize }

func (p *messagePhase) Count(ctx context.Context) (int64, error) {
	return p.cat.count(ctx, "messages")
}

func (p *messagePhase) Next(ctx context.Context, lastID int64, limit int) ([]migrationRecord, error) {
	rows, err := p.cat.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, content, link, context, ts, config_id,
			COALESCE(archi_service, '')
		FROM messages WHERE id > ? ORDER BY id LIMIT ?`, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("read legacy messages: %w", err)
	}
	defer rows.Close()

	var out []migrationRecord
	for rows.Next() {
		var id int64
		var conversationID, sender, content, ts, service string
		var link, msgContext *string
		var configID *int64
		if err := rows.Scan(&id, &conversationID, &sender, &content, &link,
			&msgContext, &ts, &configID, &service); err != nil {
			return nil, fmt.Errorf("scan legacy message: %w", err)
		}
		out = append(out, migrationRecord{id: id, apply: func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO conversation_messages
					(conversation_id, sender, content, link, context, ts,
					 model_used, pipeline_used, archi_service, legacy_config_id)
				SELECT $1, $2, $3, $4, $5, $6::timestamptz,
					NULLIF(lc.model, ''), NULLIF(lc.pipeline, ''), $8,
					CASE WHEN lc.id IS NULL THEN $7::bigint END
				FROM (SELECT 1) one
				LEFT JOIN legacy_configs lc ON lc.id = $7::bigint`,
				conversationID, sender, content, link, msgContext, ts,
				configID, service)
			return err
		}})
	}
	return out, rows.Err()
}
