package types

import "time"

// Migration status values.
const (
	MigrationInProgress = "in_progress"
	MigrationCompleted  = "completed"
	MigrationFailed     = "failed"
)

// MigrationCheckpoint is persisted after every committed batch, in the same
// transaction as the batch write, so a resumed run never reprocesses
// committed rows.
type MigrationCheckpoint struct {
	Phase    string         `json:"phase"`
	LastID   int64          `json:"last_id"`
	Count    int64          `json:"count"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MigrationState is one row in migration_state, keyed by migration name.
type MigrationState struct {
	MigrationName string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        string
	Checkpoint    *MigrationCheckpoint
	ErrorMessage  *string
}

// IngestionState values for a scheduled source.
const (
	IngestionIdle    = "idle"
	IngestionRunning = "running"
)

// SourceStatus is the per-source entry in the ingestion status file.
// LastRun is set only on clean completion.
type SourceStatus struct {
	Schedule string     `json:"schedule"`
	State    string     `json:"state"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}
