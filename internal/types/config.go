package types

import (
	"fmt"
	"time"
)

// DistanceMetric selects the vector distance operator used for retrieval.
type DistanceMetric string

const (
	DistanceCosine       DistanceMetric = "cosine"
	DistanceL2           DistanceMetric = "l2"
	DistanceInnerProduct DistanceMetric = "inner_product"
)

// StaticConfig is the deploy-time configuration singleton. It is cached in
// process and only changes on redeploy (or an explicit Reload).
type StaticConfig struct {
	DeploymentName      string
	ConfigVersion       string
	DataPath            string
	EmbeddingModel      string
	EmbeddingDimensions int
	ChunkSize           int
	ChunkOverlap        int
	DistanceMetric      DistanceMetric
	AvailablePipelines  []string
	AvailableModels     []string
	AvailableProviders  []string
	AuthEnabled         bool
	SessionLifetimeDays int
	UpdatedAt           time.Time
}

// DynamicConfig is the runtime configuration singleton. Reads always go to
// the database; writes are validated atomically.
type DynamicConfig struct {
	ActivePipeline         string
	ActiveModel            string
	Temperature            float64
	MaxTokens              int
	SystemPrompt           *string
	TopP                   float64
	TopK                   int
	RepetitionPenalty      float64
	ActiveCondensePrompt   string
	ActiveChatPrompt       string
	ActiveSystemPrompt     string
	NumDocumentsToRetrieve int
	UseHybridSearch        bool
	BM25Weight             float64
	SemanticWeight         float64
	BM25K1                 float64
	BM25B                  float64
	IngestionSchedule      string // JSON map of source name -> cron expression
	Verbosity              string
	UpdatedAt              time.Time
	UpdatedBy              *string
}

// ConfigAuditEntry is one append-only row recording an accepted config write.
type ConfigAuditEntry struct {
	ID         int64
	UserID     *string
	ChangedAt  time.Time
	ConfigType string // "dynamic" or "user_pref"
	FieldName  string
	OldValue   *string
	NewValue   *string
}

// ConfigValidationError reports a rejected dynamic-config write. The whole
// update is aborted; the prior value is unchanged.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config value for %q: %s", e.Field, e.Reason)
}
