package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// legacyVectorIndex reads the content-addressed vector store: one JSON file
// per document at <root>/<hash[:2]>/<hash>.json. Files have no numeric ids,
// so the phase keys its checkpoint on the ordinal position in the sorted file
// list; the listing is deterministic, which makes the ordinal stable across
// resumes as long as the legacy store is not mutated mid-migration.
type legacyVectorIndex struct {
	root string

	files []string // sorted, lazily listed once per process
}

// legacyVectorFile is the on-disk shape of one document's chunks.
type legacyVectorFile struct {
	ResourceHash string              `json:"resource_hash"`
	Chunks       []legacyVectorChunk `json:"chunks"`
}

type legacyVectorChunk struct {
	ChunkIndex int               `json:"chunk_index"`
	Text       string            `json:"text"`
	Embedding  []float32         `json:"embedding"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (idx *legacyVectorIndex) list() ([]string, error) {
	if idx.files != nil {
		return idx.files, nil
	}
	var files []string
	err := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list legacy vector files: %w", err)
	}
	sort.Strings(files)
	idx.files = files
	return files, nil
}

// vectorPhase upserts legacy chunks. The (document_id, chunk_index) unique
// key makes replaying a file a no-op.
type vectorPhase struct {
	idx   *legacyVectorIndex
	store *Store
}

func (p *vectorPhase) Name() string   { return "vectors" }
func (p *vectorPhase) BatchSize() int { return vectorBatchSize }

func (p *vectorPhase) Count(ctx context.Context) (int64, error) {
	files, err := p.idx.list()
	if err != nil {
		return 0, err
	}
	return int64(len(files)), nil
}

func (p *vectorPhase) Next(ctx context.Context, lastID int64, limit int) ([]migrationRecord, error) {
	files, err := p.idx.list()
	if err != nil {
		return nil, err
	}
	if lastID >= int64(len(files)) {
		return nil, nil
	}

	var out []migrationRecord
	for i := lastID; i < int64(len(files)) && len(out) < limit; i++ {
		path := files[i]
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read legacy vector file %s: %w", path, err)
		}
		var vf legacyVectorFile
		if err := json.Unmarshal(raw, &vf); err != nil {
			return nil, fmt.Errorf("decode legacy vector file %s: %w", path, err)
		}
		if vf.ResourceHash == "" {
			// The filename is the hash when the payload omits it.
			vf.ResourceHash = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		out = append(out, migrationRecord{id: i + 1, apply: func(ctx context.Context, tx pgx.Tx) error {
			return p.applyFile(ctx, tx, &vf)
		}})
	}
	return out, nil
}

func (p *vectorPhase) applyFile(ctx context.Context, tx pgx.Tx, vf *legacyVectorFile) error {
	var documentID int64
	err := tx.QueryRow(ctx,
		`SELECT id FROM documents WHERE resource_hash = $1`, vf.ResourceHash,
	).Scan(&documentID)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Orphan chunks: the catalog never knew this document. Skip rather
			// than fail the whole run.
			p.store.log.Warn("legacy chunks without catalog entry, skipping",
				"resource_hash", vf.ResourceHash, "chunks", len(vf.Chunks))
			return nil
		}
		return wrapDBErrorf(err, "resolve document %s", vf.ResourceHash)
	}

	for _, ch := range vf.Chunks {
		meta := map[string]string{"resource_hash": vf.ResourceHash}
		for k, v := range ch.Metadata {
			meta[k] = v
		}
		if p.store.cfg.Collection != "" {
			meta["collection"] = p.store.cfg.Collection
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode chunk metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO document_chunks (document_id, chunk_index, chunk_text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id, chunk_index) DO UPDATE SET
				chunk_text = EXCLUDED.chunk_text,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata`,
			documentID, ch.ChunkIndex, ch.Text, pgvector.NewVector(ch.Embedding), metaBytes)
		if err != nil {
			return wrapDBErrorf(err, "migrate chunk %d of %s", ch.ChunkIndex, vf.ResourceHash)
		}
	}
	return nil
}
