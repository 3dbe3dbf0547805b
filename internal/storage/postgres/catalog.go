package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// Catalog implements storage.CatalogService.
type Catalog struct {
	store *Store
}

var _ storage.CatalogService = (*Catalog)(nil)

const documentColumns = `id, resource_hash, file_path, display_name, source_type,
	url, ticket_id, suffix, size_bytes, original_path, base_path, relative_path,
	file_modified_at, ingested_at, created_at, extra_json, extra_text,
	is_deleted, deleted_at`

func scanDocument(row pgx.Row) (*types.Document, error) {
	var d types.Document
	var extra []byte
	err := row.Scan(
		&d.ID, &d.ResourceHash, &d.FilePath, &d.DisplayName, &d.SourceType,
		&d.URL, &d.TicketID, &d.Suffix, &d.SizeBytes, &d.OriginalPath,
		&d.BasePath, &d.RelativePath, &d.FileModified, &d.IngestedAt,
		&d.CreatedAt, &extra, &d.ExtraText, &d.IsDeleted, &d.DeletedAt)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &d.ExtraJSON); err != nil {
			return nil, fmt.Errorf("decode extra_json: %w", err)
		}
	}
	return &d, nil
}

// structuredMetaKeys are the metadata keys promoted into their own columns.
// Everything else lands in extra_json/extra_text.
var structuredMetaKeys = map[string]bool{
	"url": true, "ticket_id": true, "suffix": true, "size_bytes": true,
	"original_path": true, "base_path": true, "relative_path": true,
	"file_modified_at": true, "ingested_at": true,
}

// splitMetadata separates structured column values from free-form extras and
// produces the flattened search text ("key:value value" tokens, sorted so the
// output is deterministic).
func splitMetadata(meta map[string]any) (structured map[string]any, extraJSON map[string]any, extraText string) {
	structured = map[string]any{}
	extraJSON = map[string]any{}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var tokens []string
	for _, k := range keys {
		v := meta[k]
		if structuredMetaKeys[k] {
			structured[k] = v
			continue
		}
		extraJSON[k] = v
		sv := fmt.Sprintf("%v", v)
		tokens = append(tokens, fmt.Sprintf("%s:%s %s", k, sv, sv))
	}
	return structured, extraJSON, strings.Join(tokens, " ")
}

func metaTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return &parsed
		}
	}
	return nil
}

func metaInt64(v any) *int64 {
	switch n := v.(type) {
	case int64:
		return &n
	case int:
		v := int64(n)
		return &v
	case float64:
		v := int64(n)
		return &v
	}
	return nil
}

func metaString(v any) *string {
	if v == nil {
		return nil
	}
	s := fmt.Sprintf("%v", v)
	if s == "" {
		return nil
	}
	return &s
}

// Upsert writes a catalog entry keyed by resource hash. Re-upserting a
// soft-deleted document restores it. The catalog does not verify that
// file_path exists; retrieval consumers skip vanished paths.
func (c *Catalog) Upsert(ctx context.Context, doc storage.DocumentUpsert) (*types.Document, error) {
	if doc.ResourceHash == "" {
		return nil, fmt.Errorf("upsert document: resource hash is required")
	}
	structured, extraJSON, extraText := splitMetadata(doc.Metadata)
	extraBytes, err := json.Marshal(extraJSON)
	if err != nil {
		return nil, fmt.Errorf("upsert document: encode metadata: %w", err)
	}

	row := c.store.db.QueryRow(ctx, `
		INSERT INTO documents (resource_hash, file_path, display_name, source_type,
			url, ticket_id, suffix, size_bytes, original_path, base_path,
			relative_path, file_modified_at, ingested_at, extra_json, extra_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (resource_hash) DO UPDATE SET
			file_path = EXCLUDED.file_path,
			display_name = EXCLUDED.display_name,
			source_type = EXCLUDED.source_type,
			url = EXCLUDED.url,
			ticket_id = EXCLUDED.ticket_id,
			suffix = EXCLUDED.suffix,
			size_bytes = EXCLUDED.size_bytes,
			original_path = EXCLUDED.original_path,
			base_path = EXCLUDED.base_path,
			relative_path = EXCLUDED.relative_path,
			file_modified_at = EXCLUDED.file_modified_at,
			ingested_at = EXCLUDED.ingested_at,
			extra_json = EXCLUDED.extra_json,
			extra_text = EXCLUDED.extra_text,
			is_deleted = FALSE,
			deleted_at = NULL
		RETURNING `+documentColumns,
		doc.ResourceHash, doc.FilePath, doc.DisplayName, doc.SourceType,
		metaString(structured["url"]), metaString(structured["ticket_id"]),
		metaString(structured["suffix"]), metaInt64(structured["size_bytes"]),
		metaString(structured["original_path"]), metaString(structured["base_path"]),
		metaString(structured["relative_path"]), metaTime(structured["file_modified_at"]),
		metaTime(structured["ingested_at"]), extraBytes, extraText)
	d, err := scanDocument(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "upsert document %s", doc.ResourceHash)
	}
	return d, nil
}

// GetByHash returns nil (no error) when the hash is unknown.
func (c *Catalog) GetByHash(ctx context.Context, resourceHash string) (*types.Document, error) {
	d, err := scanDocument(c.store.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE resource_hash = $1`, resourceHash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, wrapDBErrorf(err, "get document %s", resourceHash)
	}
	return d, nil
}

// SoftDelete hides the document from all search and retrieval. Chunks stay in
// place; the retrieval join filters them out.
func (c *Catalog) SoftDelete(ctx context.Context, resourceHash string) (bool, error) {
	tag, err := c.store.db.Exec(ctx, `
		UPDATE documents SET is_deleted = TRUE, deleted_at = NOW()
		WHERE resource_hash = $1 AND NOT is_deleted`, resourceHash)
	if err != nil {
		return false, wrapDBErrorf(err, "soft delete document %s", resourceHash)
	}
	return tag.RowsAffected() > 0, nil
}

// searchColumns are the columns a free-text catalog query matches against.
var searchColumns = []string{
	"display_name", "source_type", "url", "ticket_id",
	"file_path", "original_path", "base_path", "relative_path", "extra_text",
}

// filterColumns are the structured columns a metadata filter may target
// directly. Unknown keys fall back to extra_text substring matching.
var filterColumns = map[string]bool{
	"resource_hash": true, "file_path": true, "display_name": true,
	"source_type": true, "url": true, "ticket_id": true, "suffix": true,
	"size_bytes": true, "original_path": true, "base_path": true,
	"relative_path": true,
}

// buildSearchSQL assembles the metadata search statement. Split out of
// SearchMetadata so the predicate logic is testable without a database.
func buildSearchSQL(query string, filters []storage.MetadataFilter, limit int) (string, []any) {
	var where []string
	var args []any

	where = append(where, "NOT is_deleted")

	if query != "" {
		args = append(args, "%"+query+"%")
		ph := fmt.Sprintf("$%d", len(args))
		var ors []string
		for _, col := range searchColumns {
			ors = append(ors, fmt.Sprintf("%s ILIKE %s", col, ph))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	var groups []string
	for _, f := range filters {
		if len(f) == 0 {
			continue
		}
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var ands []string
		for _, k := range keys {
			v := f[k]
			if filterColumns[k] {
				args = append(args, v)
				ands = append(ands, fmt.Sprintf("%s = $%d", k, len(args)))
			} else {
				args = append(args, fmt.Sprintf("%%%s:%v%%", k, v))
				ands = append(ands, fmt.Sprintf("extra_text ILIKE $%d", len(args)))
			}
		}
		groups = append(groups, "("+strings.Join(ands, " AND ")+")")
	}
	if len(groups) > 0 {
		where = append(where, "("+strings.Join(groups, " OR ")+")")
	}

	sql := `SELECT ` + documentColumns + ` FROM documents WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY GREATEST(file_modified_at, created_at, ingested_at) DESC NULLS LAST, id`
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args
}

// SearchMetadata matches query and filters per the catalog contract: filters
// AND within a map, OR across maps; query matches case-insensitively against
// the searchable columns. No matches yields an empty slice, never an error.
func (c *Catalog) SearchMetadata(ctx context.Context, query string, filters []storage.MetadataFilter, limit int) ([]*types.Document, error) {
	sql, args := buildSearchSQL(query, filters, limit)
	rows, err := c.store.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDBError("search documents", err)
	}
	defer rows.Close()

	var out []*types.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, wrapDBError("scan document", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetConversationDocumentEnabled upserts the per-conversation override for
// one document, resolving the hash to the canonical id.
func (c *Catalog) SetConversationDocumentEnabled(ctx context.Context, conversationID, resourceHash string, enabled bool) error {
	tag, err := c.store.db.Exec(ctx, `
		INSERT INTO conversation_document_overrides (conversation_id, document_id, enabled, updated_at)
		SELECT $1, id, $3, NOW() FROM documents WHERE resource_hash = $2
		ON CONFLICT (conversation_id, document_id)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		conversationID, resourceHash, enabled)
	if err != nil {
		return wrapDBErrorf(err, "set conversation override for %s", resourceHash)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set conversation override: document %s: %w", resourceHash, storage.ErrNotFound)
	}
	return nil
}

// SetConversationDocumentsEnabled is the bulk variant; unknown hashes are
// skipped silently.
func (c *Catalog) SetConversationDocumentsEnabled(ctx context.Context, conversationID string, resourceHashes []string, enabled bool) error {
	if len(resourceHashes) == 0 {
		return nil
	}
	_, err := c.store.db.Exec(ctx, `
		INSERT INTO conversation_document_overrides (conversation_id, document_id, enabled, updated_at)
		SELECT $1, id, $3, NOW() FROM documents WHERE resource_hash = ANY($2)
		ON CONFLICT (conversation_id, document_id)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		conversationID, resourceHashes, enabled)
	return wrapDBError("set conversation overrides", err)
}

func (c *Catalog) overrideHashes(ctx context.Context, conversationID string, enabled bool) (map[string]bool, error) {
	rows, err := c.store.db.Query(ctx, `
		SELECT d.resource_hash
		FROM conversation_document_overrides o
		JOIN documents d ON d.id = o.document_id
		WHERE o.conversation_id = $1 AND o.enabled = $2`,
		conversationID, enabled)
	if err != nil {
		return nil, wrapDBError("load conversation overrides", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, wrapDBError("scan override hash", err)
		}
		out[h] = true
	}
	return out, rows.Err()
}

// GetEnabledHashes returns the hashes explicitly enabled for a conversation.
func (c *Catalog) GetEnabledHashes(ctx context.Context, conversationID string) (map[string]bool, error) {
	return c.overrideHashes(ctx, conversationID, true)
}

// GetDisabledHashes returns the hashes explicitly disabled for a conversation.
func (c *Catalog) GetDisabledHashes(ctx context.Context, conversationID string) (map[string]bool, error) {
	return c.overrideHashes(ctx, conversationID, false)
}
