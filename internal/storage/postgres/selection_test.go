package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveSelectionPrecedence(t *testing.T) {
	// The whole three-tier precedence lives in one COALESCE: conversation
	// override beats user default beats the enabled-by-default fallback.
	assert.Contains(t, effectiveSelectionSQL, "COALESCE(co.enabled, ud.enabled, TRUE)")
	assert.Contains(t, effectiveSelectionSQL, "NOT d.is_deleted")
}

func TestGetEnabledDocumentIDs(t *testing.T) {
	db := &fakeDB{}
	db.on("COALESCE(co.enabled, ud.enabled, TRUE)",
		[]any{int64(1), "hash-1"}, []any{int64(3), "hash-3"})
	sel := newTestStore(db).selection

	ids, err := sel.GetEnabledDocumentIDs(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)

	calls := db.calls("COALESCE(co.enabled, ud.enabled, TRUE)")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"u1", "c1"}, calls[0].args)
}

func TestGetEnabledDocumentHashes(t *testing.T) {
	db := &fakeDB{}
	db.on("COALESCE(co.enabled, ud.enabled, TRUE)",
		[]any{int64(1), "hash-1"}, []any{int64(3), "hash-3"})
	sel := newTestStore(db).selection

	hashes, err := sel.GetEnabledDocumentHashes(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-1", "hash-3"}, hashes)
}

func TestSetUserDefaultsEmptyIsNoop(t *testing.T) {
	db := &fakeDB{}
	sel := newTestStore(db).selection

	require.NoError(t, sel.SetUserDefaults(context.Background(), "u1", nil, true))
	assert.Empty(t, db.executed)
}

func TestSetConversationOverride(t *testing.T) {
	db := &fakeDB{}
	sel := newTestStore(db).selection

	require.NoError(t, sel.SetConversationOverride(context.Background(), "c1", 7, true))

	calls := db.calls("INSERT INTO conversation_document_overrides")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"c1", int64(7), true}, calls[0].args)
}
