package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archilabs/archi/internal/storage"
)

func TestSplitMetadata(t *testing.T) {
	structured, extra, text := splitMetadata(map[string]any{
		"url":        "https://example.com/doc",
		"size_bytes": int64(42),
		"project":    "atlas",
		"author":     "kim",
	})

	assert.Equal(t, "https://example.com/doc", structured["url"])
	assert.Equal(t, int64(42), structured["size_bytes"])
	assert.NotContains(t, structured, "project")

	assert.Equal(t, "atlas", extra["project"])
	assert.Equal(t, "kim", extra["author"])

	// extra_text is "key:value value" tokens, sorted by key.
	assert.Equal(t, "author:kim kim project:atlas atlas", text)
}

func TestSplitMetadataEmpty(t *testing.T) {
	structured, extra, text := splitMetadata(nil)
	assert.Empty(t, structured)
	assert.Empty(t, extra)
	assert.Empty(t, text)
}

func TestBuildSearchSQLQueryOnly(t *testing.T) {
	sql, args := buildSearchSQL("billing", nil, 10)

	assert.Contains(t, sql, "NOT is_deleted")
	assert.Contains(t, sql, "display_name ILIKE $1")
	assert.Contains(t, sql, "extra_text ILIKE $1")
	assert.Contains(t, sql, "GREATEST(file_modified_at, created_at, ingested_at) DESC NULLS LAST")
	assert.Contains(t, sql, "LIMIT $2")
	assert.Equal(t, []any{"%billing%", 10}, args)
}

func TestBuildSearchSQLFilterGroups(t *testing.T) {
	filters := []storage.MetadataFilter{
		{"source_type": "jira", "ticket_id": "AB-12"},
		{"project": "atlas"},
	}
	sql, args := buildSearchSQL("", filters, 0)

	// Entries AND within a group; groups OR together.
	assert.Contains(t, sql, "(source_type = $1 AND ticket_id = $2)")
	assert.Contains(t, sql, "OR (extra_text ILIKE $3)")
	assert.NotContains(t, sql, "LIMIT")
	assert.Equal(t, []any{"jira", "AB-12", "%project:atlas%"}, args)
}

func TestBuildSearchSQLUnknownKeyUsesExtraText(t *testing.T) {
	sql, args := buildSearchSQL("", []storage.MetadataFilter{{"team": "core"}}, 5)
	assert.Contains(t, sql, "extra_text ILIKE $1")
	assert.Equal(t, "%team:core%", args[0])
}

func TestGetByHashMissingReturnsNil(t *testing.T) {
	db := &fakeDB{}
	cat := newTestStore(db).catalog

	doc, err := cat.GetByHash(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestSoftDeleteReportsMissing(t *testing.T) {
	db := &fakeDB{}
	db.onTag("UPDATE documents SET is_deleted", "UPDATE 0")
	cat := newTestStore(db).catalog

	deleted, err := cat.SoftDelete(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSoftDelete(t *testing.T) {
	db := &fakeDB{}
	db.onTag("UPDATE documents SET is_deleted", "UPDATE 1")
	cat := newTestStore(db).catalog

	deleted, err := cat.SoftDelete(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestSetConversationDocumentEnabledUnknownHash(t *testing.T) {
	db := &fakeDB{}
	db.onTag("INSERT INTO conversation_document_overrides", "INSERT 0 0")
	cat := newTestStore(db).catalog

	err := cat.SetConversationDocumentEnabled(context.Background(), "conv-1", "nosuch", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertRequiresResourceHash(t *testing.T) {
	cat := newTestStore(&fakeDB{}).catalog
	_, err := cat.Upsert(context.Background(), storage.DocumentUpsert{})
	assert.Error(t, err)
}

func TestGetEnabledHashes(t *testing.T) {
	db := &fakeDB{}
	db.on("o.enabled = $2", []any{"hash-a"}, []any{"hash-b"})
	cat := newTestStore(db).catalog

	hashes, err := cat.GetEnabledHashes(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"hash-a": true, "hash-b": true}, hashes)

	calls := db.calls("o.enabled = $2")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"conv-1", true}, calls[0].args)
}
