package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/telemetry"
	"github.com/archilabs/archi/internal/types"
)

// Vectors implements storage.VectorService.
type Vectors struct {
	store *Store
}

var _ storage.VectorService = (*Vectors)(nil)

const defaultSearchK = 5

// hybridCandidateFactor is how many candidates each branch fetches relative
// to K before blending. A chunk strong in only one branch can still win after
// the weighted merge.
const hybridCandidateFactor = 4

// distanceOp maps the configured metric to its pgvector operator.
func distanceOp(m types.DistanceMetric) string {
	switch m {
	case types.DistanceL2:
		return "<->"
	case types.DistanceInnerProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

// AddTexts embeds and upserts one chunk per text. The chunk index is the
// position in the batch unless the metadata carries an explicit chunk_index.
// Chunk metadata is stamped with the collection label and the document's
// resource hash; the hash is redundant with the FK but old readers still
// expect it.
func (v *Vectors) AddTexts(ctx context.Context, texts []string, metadatas []map[string]string, documentID int64) ([]int64, error) {
	if v.store.cfg.Embedder == nil {
		return nil, fmt.Errorf("add texts: %w: no embedder configured", storage.ErrConfigurationMissing)
	}
	if len(metadatas) > 0 && len(metadatas) != len(texts) {
		return nil, fmt.Errorf("add texts: %d texts but %d metadatas", len(texts), len(metadatas))
	}
	if len(texts) == 0 {
		return nil, nil
	}

	var resourceHash string
	err := v.store.db.QueryRow(ctx,
		`SELECT resource_hash FROM documents WHERE id = $1`, documentID,
	).Scan(&resourceHash)
	if err != nil {
		return nil, wrapDBErrorf(err, "add texts: document %d", documentID)
	}

	ids := make([]int64, 0, len(texts))
	err = v.store.withTx(ctx, func(tx pgx.Tx) error {
		for i, text := range texts {
			embedding, err := v.store.cfg.Embedder(ctx, text)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}

			meta := map[string]string{}
			if len(metadatas) > 0 {
				for k, val := range metadatas[i] {
					meta[k] = val
				}
			}
			meta["resource_hash"] = resourceHash
			if v.store.cfg.Collection != "" {
				meta["collection"] = v.store.cfg.Collection
			}
			chunkIndex := i
			if idx, ok := meta["chunk_index"]; ok {
				n, convErr := strconv.Atoi(idx)
				if convErr != nil {
					v.store.log.Warn("ignoring malformed chunk_index metadata",
						"value", idx, "position", i)
				} else {
					chunkIndex = n
				}
			}
			metaBytes, err := json.Marshal(meta)
			if err != nil {
				return fmt.Errorf("encode chunk metadata: %w", err)
			}

			var id int64
			if v.store.HasBM25() {
				err = tx.QueryRow(ctx, `
					INSERT INTO document_chunks (document_id, chunk_index, chunk_text, embedding, metadata, chunk_bm25)
					VALUES ($1, $2, $3, $4, $5, tokenize($3, 'Bert'))
					ON CONFLICT (document_id, chunk_index) DO UPDATE SET
						chunk_text = EXCLUDED.chunk_text,
						embedding = EXCLUDED.embedding,
						metadata = EXCLUDED.metadata,
						chunk_bm25 = EXCLUDED.chunk_bm25
					RETURNING id`,
					documentID, chunkIndex, text, pgvector.NewVector(embedding), metaBytes,
				).Scan(&id)
			} else {
				err = tx.QueryRow(ctx, `
					INSERT INTO document_chunks (document_id, chunk_index, chunk_text, embedding, metadata)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (document_id, chunk_index) DO UPDATE SET
						chunk_text = EXCLUDED.chunk_text,
						embedding = EXCLUDED.embedding,
						metadata = EXCLUDED.metadata
					RETURNING id`,
					documentID, chunkIndex, text, pgvector.NewVector(embedding), metaBytes,
				).Scan(&id)
			}
			if err != nil {
				return wrapDBErrorf(err, "upsert chunk %d", chunkIndex)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// chunkPredicates builds the shared WHERE fragment for retrieval queries:
// live documents only (unless opted out), collection scoping, and metadata
// equality filters. Chunks written before collections existed carry no label
// and stay visible everywhere.
func chunkPredicates(collection string, filter map[string]string, includeDeleted bool, args []any) (string, []any) {
	var where []string
	if !includeDeleted {
		where = append(where, "NOT d.is_deleted")
	}
	if collection != "" {
		args = append(args, collection)
		where = append(where, fmt.Sprintf(
			"(c.metadata->>'collection' = $%d OR NOT c.metadata ? 'collection')", len(args)))
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k)
		kPh := len(args)
		args = append(args, filter[k])
		where = append(where, fmt.Sprintf("c.metadata->>$%d = $%d", kPh, len(args)))
	}
	if len(where) == 0 {
		return "TRUE", args
	}
	return strings.Join(where, " AND "), args
}

func scanScoredChunks(rows pgx.Rows) ([]types.ScoredChunk, error) {
	var out []types.ScoredChunk
	for rows.Next() {
		var sc types.ScoredChunk
		var metaBytes []byte
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.ChunkIndex, &sc.Text, &metaBytes, &sc.Score); err != nil {
			return nil, wrapDBError("scan chunk", err)
		}
		if len(metaBytes) > 0 {
			if err := json.Unmarshal(metaBytes, &sc.Metadata); err != nil {
				return nil, fmt.Errorf("decode chunk metadata: %w", err)
			}
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SimilaritySearchByVector runs vector-only retrieval. With the cosine metric
// the score is the similarity 1 - distance; other metrics report the raw
// distance.
func (v *Vectors) SimilaritySearchByVector(ctx context.Context, embedding []float32, opts storage.SemanticSearchOptions) ([]types.ScoredChunk, error) {
	k := opts.K
	if k <= 0 {
		k = defaultSearchK
	}
	op := distanceOp(v.store.cfg.DistanceMetric)

	args := []any{pgvector.NewVector(embedding)}
	scoreExpr := fmt.Sprintf("c.embedding %s $1", op)
	if v.store.cfg.DistanceMetric == types.DistanceCosine || v.store.cfg.DistanceMetric == "" {
		scoreExpr = fmt.Sprintf("1 - (c.embedding %s $1)", op)
	}
	pred, args := chunkPredicates(v.store.cfg.Collection, opts.Filter, opts.IncludeDeleted, args)
	args = append(args, k)

	sql := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.chunk_index, c.chunk_text, c.metadata, %s AS score
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE %s
		ORDER BY c.embedding %s $1, c.id
		LIMIT $%d`, scoreExpr, pred, op, len(args))

	rows, err := v.store.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDBError("semantic search", err)
	}
	defer rows.Close()
	telemetry.GetMetrics().RecordRetrieval(ctx, "semantic")
	return scanScoredChunks(rows)
}

// semanticSimilarity maps a raw retrieval score onto [0,1] with higher
// meaning closer, regardless of metric. Cosine scores are already
// similarities. L2 reports a distance, and the inner-product operator
// reports the negated product, so both invert monotonically.
func semanticSimilarity(m types.DistanceMetric, score float64) float64 {
	switch m {
	case types.DistanceL2:
		return 1 / (1 + score)
	case types.DistanceInnerProduct:
		return 1 / (1 + math.Exp(score))
	default:
		return score
	}
}

// normalizeBM25 maps an unbounded BM25 score onto [0,1) so it can be blended
// with a similarity on the same scale.
func normalizeBM25(s float64) float64 {
	if s <= 0 {
		return 0
	}
	return s / (s + 1)
}

// blendHybrid merges the two candidate lists by weighted score. A chunk
// missing from one branch contributes zero from that branch. Ties break on
// ascending chunk id so results are deterministic.
func blendHybrid(semantic, lexical []types.ScoredChunk, semanticWeight, bm25Weight float64, k int) []types.ScoredChunk {
	combined := map[int64]*types.ScoredChunk{}
	for i := range semantic {
		sc := semantic[i]
		sc.Score = semanticWeight * sc.Score
		combined[sc.ID] = &sc
	}
	for i := range lexical {
		lc := lexical[i]
		contrib := bm25Weight * normalizeBM25(lc.Score)
		if existing, ok := combined[lc.ID]; ok {
			existing.Score += contrib
			continue
		}
		lc.Score = contrib
		combined[lc.ID] = &lc
	}

	out := make([]types.ScoredChunk, 0, len(combined))
	for _, sc := range combined {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// HybridSearch blends BM25 and semantic retrieval. It fails fast with
// ErrBM25Unavailable when the operator class is absent; the caller decides
// whether to fall back to semantic-only.
func (v *Vectors) HybridSearch(ctx context.Context, query string, opts storage.HybridSearchOptions) ([]types.ScoredChunk, error) {
	if !v.store.HasBM25() {
		telemetry.GetMetrics().RecordHybridFallback(ctx)
		return nil, storage.ErrBM25Unavailable
	}
	if v.store.cfg.Embedder == nil {
		return nil, fmt.Errorf("hybrid search: %w: no embedder configured", storage.ErrConfigurationMissing)
	}

	k := opts.K
	if k <= 0 {
		k = defaultSearchK
	}
	semanticWeight, bm25Weight := opts.SemanticWeight, opts.BM25Weight
	if semanticWeight == 0 && bm25Weight == 0 {
		semanticWeight, bm25Weight = 0.7, 0.3
	}

	embedding, err := v.store.cfg.Embedder(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	semantic, err := v.SimilaritySearchByVector(ctx, embedding, storage.SemanticSearchOptions{
		K:      k * hybridCandidateFactor,
		Filter: opts.Filter,
	})
	if err != nil {
		return nil, err
	}
	for i := range semantic {
		semantic[i].Score = semanticSimilarity(v.store.cfg.DistanceMetric, semantic[i].Score)
	}

	// The <&> operator yields the negated BM25 score so ascending order ranks
	// best first; negate it back before normalizing.
	args := []any{query}
	pred, args := chunkPredicates(v.store.cfg.Collection, opts.Filter, false, args)
	args = append(args, k*hybridCandidateFactor)
	sql := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.chunk_index, c.chunk_text, c.metadata,
			-(c.chunk_bm25 <&> to_bm25query('idx_chunks_bm25', tokenize($1, 'Bert'))) AS score
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE %s AND c.chunk_bm25 IS NOT NULL
		ORDER BY c.chunk_bm25 <&> to_bm25query('idx_chunks_bm25', tokenize($1, 'Bert')), c.id
		LIMIT $%d`, pred, len(args))

	rows, err := v.store.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDBError("bm25 search", err)
	}
	defer rows.Close()
	lexical, err := scanScoredChunks(rows)
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().RecordRetrieval(ctx, "hybrid")
	return blendHybrid(semantic, lexical, semanticWeight, bm25Weight, k), nil
}

// DeleteByIDs removes chunks by id and reports how many went away.
func (v *Vectors) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := v.store.db.Exec(ctx,
		`DELETE FROM document_chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, wrapDBError("delete chunks", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByDocument removes every chunk belonging to a document.
func (v *Vectors) DeleteByDocument(ctx context.Context, documentID int64) (int64, error) {
	tag, err := v.store.db.Exec(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, wrapDBErrorf(err, "delete chunks for document %d", documentID)
	}
	return tag.RowsAffected(), nil
}
