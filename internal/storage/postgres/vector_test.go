package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

func TestDistanceOp(t *testing.T) {
	assert.Equal(t, "<=>", distanceOp(types.DistanceCosine))
	assert.Equal(t, "<->", distanceOp(types.DistanceL2))
	assert.Equal(t, "<#>", distanceOp(types.DistanceInnerProduct))
	assert.Equal(t, "<=>", distanceOp(""))
}

func TestNormalizeBM25(t *testing.T) {
	assert.Equal(t, 0.0, normalizeBM25(0))
	assert.Equal(t, 0.0, normalizeBM25(-3))
	assert.Equal(t, 0.5, normalizeBM25(1))
	assert.InDelta(t, 0.9, normalizeBM25(9), 1e-9)
	// Stays below 1 no matter how large the raw score gets.
	assert.Less(t, normalizeBM25(1e6), 1.0)
}

func scored(id int64, score float64) types.ScoredChunk {
	return types.ScoredChunk{Chunk: types.Chunk{ID: id}, Score: score}
}

func TestBlendHybridNormalizesBM25(t *testing.T) {
	semantic := []types.ScoredChunk{scored(1, 0.9), scored(2, 0.5)}
	// Raw BM25 scores; chunk 2 is a strong lexical hit, chunk 3 lexical-only.
	lexical := []types.ScoredChunk{scored(2, 9), scored(3, 1)}

	out := blendHybrid(semantic, lexical, 0.7, 0.3, 10)
	require.Len(t, out, 3)

	byID := map[int64]float64{}
	for _, sc := range out {
		byID[sc.ID] = sc.Score
	}
	assert.InDelta(t, 0.7*0.9, byID[1], 1e-9)
	assert.InDelta(t, 0.7*0.5+0.3*0.9, byID[2], 1e-9)
	assert.InDelta(t, 0.3*0.5, byID[3], 1e-9)

	// Chunk 2 wins: both branches contribute.
	assert.Equal(t, int64(2), out[0].ID)
}

func TestBlendHybridTieBreaksOnAscendingID(t *testing.T) {
	semantic := []types.ScoredChunk{scored(7, 0.5), scored(3, 0.5), scored(5, 0.5)}
	out := blendHybrid(semantic, nil, 1.0, 0, 10)
	require.Len(t, out, 3)
	assert.Equal(t, int64(3), out[0].ID)
	assert.Equal(t, int64(5), out[1].ID)
	assert.Equal(t, int64(7), out[2].ID)
}

func TestBlendHybridTruncatesToK(t *testing.T) {
	semantic := []types.ScoredChunk{scored(1, 0.9), scored(2, 0.8), scored(3, 0.7)}
	out := blendHybrid(semantic, nil, 1.0, 0, 2)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].ID)
}

func TestChunkPredicatesCollectionScope(t *testing.T) {
	pred, args := chunkPredicates("default", nil, false, nil)
	// Unlabeled chunks predate collections and stay visible.
	assert.Contains(t, pred, "c.metadata->>'collection' = $1 OR NOT c.metadata ? 'collection'")
	assert.Contains(t, pred, "NOT d.is_deleted")
	assert.Equal(t, []any{"default"}, args)
}

func TestChunkPredicatesMetadataFilter(t *testing.T) {
	pred, args := chunkPredicates("", map[string]string{"resource_hash": "abc"}, true, nil)
	assert.NotContains(t, pred, "is_deleted")
	assert.Contains(t, pred, "c.metadata->>$1 = $2")
	assert.Equal(t, []any{"resource_hash", "abc"}, args)
}

func TestHybridSearchFailsFastWithoutBM25(t *testing.T) {
	store := newTestStore(&fakeDB{})
	// probeCapabilities never ran, so the capability flag is down.
	_, err := store.vectors.HybridSearch(context.Background(), "query",
		storage.HybridSearchOptions{K: 5})
	assert.ErrorIs(t, err, storage.ErrBM25Unavailable)
}

func TestAddTextsRequiresEmbedder(t *testing.T) {
	store := newTestStore(&fakeDB{})
	_, err := store.vectors.AddTexts(context.Background(), []string{"text"}, nil, 1)
	assert.ErrorIs(t, err, storage.ErrConfigurationMissing)
}

func TestAddTextsStampsCollectionAndHash(t *testing.T) {
	db := &fakeDB{}
	db.on("SELECT resource_hash FROM documents", []any{"hash-1"})
	db.onSeq("INSERT INTO document_chunks", []any{int64(11)}, []any{int64(12)})

	store := NewWithDB(db, Config{
		Collection:          "default",
		EmbeddingDimensions: 3,
		Embedder: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		},
	})

	ids, err := store.vectors.AddTexts(context.Background(),
		[]string{"first", "second"}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)
	assert.Equal(t, 1, db.committed)

	inserts := db.calls("INSERT INTO document_chunks")
	require.Len(t, inserts, 2)
	// The capability flag is down, so the insert takes the plain shape.
	assert.NotContains(t, inserts[0].sql, "chunk_bm25")
	meta := string(inserts[0].args[4].([]byte))
	assert.Contains(t, meta, `"resource_hash":"hash-1"`)
	assert.Contains(t, meta, `"collection":"default"`)
}

func TestAddTextsChunkIndexMetadata(t *testing.T) {
	db := &fakeDB{}
	db.on("SELECT resource_hash FROM documents", []any{"hash-1"})
	db.onSeq("INSERT INTO document_chunks", []any{int64(21)}, []any{int64(22)})

	store := NewWithDB(db, Config{
		EmbeddingDimensions: 3,
		Embedder: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		},
	})

	metas := []map[string]string{
		{"chunk_index": "40"},
		{"chunk_index": "not-a-number"},
	}
	ids, err := store.vectors.AddTexts(context.Background(),
		[]string{"first", "second"}, metas, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{21, 22}, ids)

	inserts := db.calls("INSERT INTO document_chunks")
	require.Len(t, inserts, 2)
	assert.Equal(t, 40, inserts[0].args[1])
	// Malformed values fall back to the batch position.
	assert.Equal(t, 1, inserts[1].args[1])
}

func TestSemanticSimilarity(t *testing.T) {
	// Cosine scores arrive as similarities and pass through.
	assert.Equal(t, 0.9, semanticSimilarity(types.DistanceCosine, 0.9))

	// L2: zero distance is a perfect match, farther scores lower.
	assert.Equal(t, 1.0, semanticSimilarity(types.DistanceL2, 0))
	assert.Greater(t,
		semanticSimilarity(types.DistanceL2, 0.5),
		semanticSimilarity(types.DistanceL2, 2.0))

	// Inner product: the operator negates, so lower raw scores are closer.
	assert.Greater(t,
		semanticSimilarity(types.DistanceInnerProduct, -3.0),
		semanticSimilarity(types.DistanceInnerProduct, -1.0))

	// Everything lands on the same scale as the normalized BM25 score.
	assert.LessOrEqual(t, semanticSimilarity(types.DistanceInnerProduct, -100.0), 1.0)
	assert.GreaterOrEqual(t, semanticSimilarity(types.DistanceL2, 100.0), 0.0)
}

func TestDeleteByIDsEmptyIsNoop(t *testing.T) {
	db := &fakeDB{}
	store := newTestStore(db)

	n, err := store.vectors.DeleteByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, db.executed)
}

func TestDeleteByDocument(t *testing.T) {
	db := &fakeDB{}
	db.onTag("DELETE FROM document_chunks WHERE document_id", "DELETE 4")
	store := newTestStore(db)

	n, err := store.vectors.DeleteByDocument(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
