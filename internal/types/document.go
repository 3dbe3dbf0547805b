package types

import "time"

// Document is a row in the document catalog. ResourceHash is the external
// identity (stable across re-ingestion); ID is the internal key used for
// joins. Soft-deleted documents stay in the table but are hidden from
// search and retrieval.
type Document struct {
	ID           int64
	ResourceHash string
	FilePath     string
	DisplayName  string
	SourceType   string
	URL          *string
	TicketID     *string
	Suffix       *string
	SizeBytes    *int64
	OriginalPath *string
	BasePath     *string
	RelativePath *string
	FileModified *time.Time
	IngestedAt   *time.Time
	CreatedAt    time.Time
	ExtraJSON    map[string]any
	ExtraText    string
	IsDeleted    bool
	DeletedAt    *time.Time
}

// Chunk is one bounded slice of a document with its embedding.
// (DocumentID, ChunkIndex) is unique; re-upserting replaces in place.
type Chunk struct {
	ID         int64
	DocumentID int64
	ChunkIndex int
	Text       string
	Embedding  []float32
	Metadata   map[string]string
}

// ScoredChunk is a retrieval result. For cosine distance Score is
// 1 - distance; for other metrics it is the raw distance.
type ScoredChunk struct {
	Chunk
	Score float64
}

// UserDocumentDefault is a per-user default for whether a document
// participates in retrieval.
type UserDocumentDefault struct {
	UserID     string
	DocumentID int64
	Enabled    bool
	UpdatedAt  time.Time
}

// ConversationDocumentOverride beats the user default for one conversation.
type ConversationDocumentOverride struct {
	ConversationID string
	DocumentID     int64
	Enabled        bool
	UpdatedAt      time.Time
}
