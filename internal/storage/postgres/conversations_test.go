package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archilabs/archi/internal/storage"
)

func TestAddMessagesReturnsIDsInOrder(t *testing.T) {
	db := &fakeDB{}
	db.onSeq("INSERT INTO conversation_messages",
		[]any{int64(101)}, []any{int64(102)}, []any{int64(103)})
	conv := newTestStore(db).conversations

	ids, err := conv.AddMessages(context.Background(), []storage.MessageInsert{
		{ConversationID: "c1", Sender: "user", Content: "hello"},
		{ConversationID: "c1", Sender: "assistant", Content: "hi", ModelUsed: ptr("m-small")},
		{ConversationID: "c1", Sender: "user", Content: "thanks"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102, 103}, ids)
	assert.Equal(t, 1, db.committed)
}

func TestAddMessagesEmptyBatch(t *testing.T) {
	db := &fakeDB{}
	conv := newTestStore(db).conversations

	ids, err := conv.AddMessages(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.Zero(t, db.begun)
}

func TestAddMessagesRejectsMissingConversationID(t *testing.T) {
	db := &fakeDB{}
	conv := newTestStore(db).conversations

	_, err := conv.AddMessages(context.Background(), []storage.MessageInsert{
		{Sender: "user", Content: "hello"},
	})
	assert.Error(t, err)
	assert.Equal(t, 1, db.rolledBack)
}

func TestEnsureConversationRequiresID(t *testing.T) {
	conv := newTestStore(&fakeDB{}).conversations
	assert.Error(t, conv.EnsureConversation(context.Background(), "", nil, ""))
}

func TestRecordPreferenceRejectsInvalidValue(t *testing.T) {
	db := &fakeDB{}
	conv := newTestStore(db).conversations

	err := conv.RecordPreference(context.Background(), "cmp-1", "maybe")
	assert.Error(t, err)
	assert.Empty(t, db.executed)
}

func TestRecordPreferenceUnknownComparison(t *testing.T) {
	db := &fakeDB{}
	db.onTag("UPDATE ab_comparisons SET preference", "UPDATE 0")
	conv := newTestStore(db).conversations

	err := conv.RecordPreference(context.Background(), "cmp-ghost", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestComparisonStatsWinRates(t *testing.T) {
	db := &fakeDB{}
	// 10 comparisons: 6 a, 3 b, 1 tie.
	db.on("FROM ab_comparisons",
		[]any{"m-small", "m-large", 10, 6, 3, 1, 0, 0})
	conv := newTestStore(db).conversations

	stats, err := conv.ComparisonStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)

	s := stats[0]
	assert.Equal(t, 10, s.Total)
	assert.InDelta(t, 0.6, s.WinRateA, 1e-9)
	assert.InDelta(t, 0.3, s.WinRateB, 1e-9)
}

func TestComparisonStatsExcludesSkipAndPending(t *testing.T) {
	db := &fakeDB{}
	// 4 comparisons: 1 a, 1 skip, 2 pending. Only the decided one counts.
	db.on("FROM ab_comparisons",
		[]any{"m-small", "m-large", 4, 1, 0, 0, 1, 2})
	conv := newTestStore(db).conversations

	stats, err := conv.ComparisonStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.InDelta(t, 1.0, stats[0].WinRateA, 1e-9)
	assert.Zero(t, stats[0].WinRateB)
}

func TestComparisonStatsAllUndecided(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM ab_comparisons",
		[]any{"m-small", "m-large", 3, 0, 0, 0, 1, 2})
	conv := newTestStore(db).conversations

	stats, err := conv.ComparisonStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Zero(t, stats[0].WinRateA)
	assert.Zero(t, stats[0].WinRateB)
}

func TestDeleteComparison(t *testing.T) {
	db := &fakeDB{}
	db.onTag("DELETE FROM ab_comparisons", "DELETE 1")
	conv := newTestStore(db).conversations

	deleted, err := conv.DeleteComparison(context.Background(), "cmp-1")
	require.NoError(t, err)
	assert.True(t, deleted)
}
