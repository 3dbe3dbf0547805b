package postgres

import (
	"context"

	"github.com/archilabs/archi/internal/storage"
)

// Selection implements storage.SelectionService: the three-tier resolution of
// which documents participate in retrieval. Precedence is conversation
// override, then user default, then enabled.
type Selection struct {
	store *Store
}

var _ storage.SelectionService = (*Selection)(nil)

// SetUserDefault upserts the per-user default; a repeated write with the
// opposite value flips it.
func (s *Selection) SetUserDefault(ctx context.Context, userID string, documentID int64, enabled bool) error {
	_, err := s.store.db.Exec(ctx, `
		INSERT INTO user_document_defaults (user_id, document_id, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, document_id)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		userID, documentID, enabled)
	return wrapDBErrorf(err, "set user default for document %d", documentID)
}

// SetUserDefaults is the bulk form of SetUserDefault.
func (s *Selection) SetUserDefaults(ctx context.Context, userID string, documentIDs []int64, enabled bool) error {
	if len(documentIDs) == 0 {
		return nil
	}
	_, err := s.store.db.Exec(ctx, `
		INSERT INTO user_document_defaults (user_id, document_id, enabled, updated_at)
		SELECT $1, unnest($2::bigint[]), $3, NOW()
		ON CONFLICT (user_id, document_id)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		userID, documentIDs, enabled)
	return wrapDBError("set user defaults", err)
}

// SetConversationOverride upserts the per-conversation override, which beats
// the user default while the conversation lasts.
func (s *Selection) SetConversationOverride(ctx context.Context, conversationID string, documentID int64, enabled bool) error {
	_, err := s.store.db.Exec(ctx, `
		INSERT INTO conversation_document_overrides (conversation_id, document_id, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id, document_id)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		conversationID, documentID, enabled)
	return wrapDBErrorf(err, "set conversation override for document %d", documentID)
}

// effectiveSelectionSQL resolves the enabled set in one pass. Documents with
// no row at either tier default to enabled; soft-deleted documents never
// qualify regardless of overrides.
const effectiveSelectionSQL = `
	SELECT d.id, d.resource_hash
	FROM documents d
	LEFT JOIN user_document_defaults ud
		ON ud.document_id = d.id AND ud.user_id = $1
	LEFT JOIN conversation_document_overrides co
		ON co.document_id = d.id AND co.conversation_id = $2
	WHERE NOT d.is_deleted
	  AND COALESCE(co.enabled, ud.enabled, TRUE)
	ORDER BY d.id`

// GetEnabledDocumentIDs returns the ids of documents enabled for this
// user/conversation pair.
func (s *Selection) GetEnabledDocumentIDs(ctx context.Context, userID, conversationID string) ([]int64, error) {
	rows, err := s.store.db.Query(ctx, effectiveSelectionSQL, userID, conversationID)
	if err != nil {
		return nil, wrapDBError("resolve enabled documents", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, wrapDBError("scan enabled document", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetEnabledDocumentHashes is GetEnabledDocumentIDs projected onto resource
// hashes, for callers that filter retrieval by hash.
func (s *Selection) GetEnabledDocumentHashes(ctx context.Context, userID, conversationID string) ([]string, error) {
	rows, err := s.store.db.Query(ctx, effectiveSelectionSQL, userID, conversationID)
	if err != nil {
		return nil, wrapDBError("resolve enabled documents", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, wrapDBError("scan enabled document", err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}
