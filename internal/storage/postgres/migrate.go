package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// Default batch sizes per phase.
const (
	vectorBatchSize       = 100
	documentBatchSize     = 500
	conversationBatchSize = 1000
)

// migrationName keys the consolidation run in migration_state. There is one
// legacy migration; reruns resume it.
const migrationName = "legacy_consolidation"

// migrationRecord is one legacy row ready to be applied. IDs must be strictly
// increasing within a phase; the checkpoint stores the last applied one.
type migrationRecord struct {
	id    int64
	apply func(ctx context.Context, tx pgx.Tx) error
}

// batchSource streams one phase's legacy records in id order.
type batchSource interface {
	// Name is the phase name recorded in the checkpoint.
	Name() string
	BatchSize() int
	// Next returns up to limit records with id > lastID. An empty slice ends
	// the phase.
	Next(ctx context.Context, lastID int64, limit int) ([]migrationRecord, error)
	// Count reports the total records for the analysis phase.
	Count(ctx context.Context) (int64, error)
}

// MigrationReport is the output of the read-only analysis phase.
type MigrationReport struct {
	Counts    map[string]int64
	Total     int64
	Remaining int64
	State     *types.MigrationState
}

// Migrator drives the resumable migration from the two legacy stores (the
// SQLite catalog and the content-addressed vector index) into the
// consolidated schema.
type Migrator struct {
	store   *Store
	catalog *legacyCatalog
	vectors *legacyVectorIndex
}

// NewMigrator opens the legacy sources. Either path may be empty, which skips
// the corresponding phases.
func NewMigrator(store *Store, catalogPath, vectorRoot string) (*Migrator, error) {
	m := &Migrator{store: store}
	if catalogPath != "" {
		cat, err := openLegacyCatalog(catalogPath)
		if err != nil {
			return nil, err
		}
		m.catalog = cat
	}
	if vectorRoot != "" {
		m.vectors = &legacyVectorIndex{root: vectorRoot}
	}
	return m, nil
}

// Close releases the legacy source handles.
func (m *Migrator) Close() error {
	if m.catalog != nil {
		return m.catalog.Close()
	}
	return nil
}

// phases returns the sources in execution order. Configs migrate first so
// message inserts can resolve model/pipeline attribution; documents precede
// vectors because chunks join on the document FK.
func (m *Migrator) phases() []batchSource {
	var out []batchSource
	if m.catalog != nil {
		out = append(out, &configPhase{cat: m.catalog, store: m.store})
		out = append(out, &documentPhase{cat: m.catalog, store: m.store})
	}
	if m.vectors != nil {
		out = append(out, &vectorPhase{idx: m.vectors, store: m.store})
	}
	if m.catalog != nil {
		out = append(out, &conversationPhase{cat: m.catalog, store: m.store})
		out = append(out, &messagePhase{cat: m.catalog, store: m.store})
	}
	return out
}

// loadState returns the migration_state row, or nil when the migration has
// never been started.
func (m *Migrator) loadState(ctx context.Context) (*types.MigrationState, error) {
	var st types.MigrationState
	var checkpoint []byte
	err := m.store.db.QueryRow(ctx, `
		SELECT migration_name, started_at, completed_at, status, last_checkpoint, error_message
		FROM migration_state WHERE migration_name = $1`, migrationName,
	).Scan(&st.MigrationName, &st.StartedAt, &st.CompletedAt, &st.Status,
		&checkpoint, &st.ErrorMessage)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, wrapDBError("load migration state", err)
	}
	if len(checkpoint) > 0 {
		var cp types.MigrationCheckpoint
		if err := json.Unmarshal(checkpoint, &cp); err != nil {
			return nil, fmt.Errorf("decode migration checkpoint: %w", err)
		}
		st.Checkpoint = &cp
	}
	return &st, nil
}

// Analyze reports per-phase counts and the work remaining without mutating
// anything. Counting fans out across the sources.
func (m *Migrator) Analyze(ctx context.Context) (*MigrationReport, error) {
	report := &MigrationReport{Counts: map[string]int64{}}

	st, err := m.loadState(ctx)
	if err != nil {
		return nil, err
	}
	report.State = st

	phases := m.phases()
	counts := make([]int64, len(phases))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range phases {
		g.Go(func() error {
			n, err := p.Count(gctx)
			if err != nil {
				return fmt.Errorf("count %s: %w", p.Name(), err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	done := int64(0)
	passed := st != nil && st.Status == types.MigrationCompleted
	for i, p := range phases {
		report.Counts[p.Name()] = counts[i]
		report.Total += counts[i]
		switch {
		case passed:
			done += counts[i]
		case st != nil && st.Checkpoint != nil && st.Checkpoint.Phase == p.Name():
			done += min(st.Checkpoint.Count, counts[i])
			passed = false
		case st != nil && st.Checkpoint != nil && !phaseReached(phases[:i+1], st.Checkpoint.Phase):
			// Phases before the checkpointed one are complete.
			done += counts[i]
		}
	}
	report.Remaining = report.Total - done
	return report, nil
}

func phaseReached(prefix []batchSource, phase string) bool {
	for _, p := range prefix {
		if p.Name() == phase {
			return true
		}
	}
	return false
}

// open marks the migration in progress, reopening a failed run. A completed
// run is left alone and reported via the bool.
func (m *Migrator) open(ctx context.Context) (*types.MigrationCheckpoint, bool, error) {
	st, err := m.loadState(ctx)
	if err != nil {
		return nil, false, err
	}
	if st != nil && st.Status == types.MigrationCompleted {
		return nil, true, nil
	}
	_, err = m.store.db.Exec(ctx, `
		INSERT INTO migration_state (migration_name, status)
		VALUES ($1, 'in_progress')
		ON CONFLICT (migration_name) DO UPDATE SET
			status = 'in_progress', error_message = NULL, completed_at = NULL`,
		migrationName)
	if err != nil {
		return nil, false, wrapDBError("open migration", err)
	}
	if st != nil {
		return st.Checkpoint, false, nil
	}
	return nil, false, nil
}

func (m *Migrator) markFailed(ctx context.Context, runErr error) {
	_, err := m.store.db.Exec(ctx, `
		UPDATE migration_state SET status = 'failed', error_message = $2
		WHERE migration_name = $1`, migrationName, runErr.Error())
	if err != nil {
		m.store.log.Error("record migration failure", "err", err)
	}
}

func (m *Migrator) markCompleted(ctx context.Context) error {
	_, err := m.store.db.Exec(ctx, `
		UPDATE migration_state SET status = 'completed', completed_at = NOW(), error_message = NULL
		WHERE migration_name = $1`, migrationName)
	return wrapDBError("complete migration", err)
}

// Run executes every phase in order, resuming from the persisted checkpoint.
// Each batch commits together with its checkpoint, so a crash between batches
// never reprocesses committed rows. Any error records status=failed; a rerun
// reopens and resumes.
func (m *Migrator) Run(ctx context.Context) error {
	checkpoint, completed, err := m.open(ctx)
	if err != nil {
		return err
	}
	if completed {
		m.store.log.Info("migration already completed", "migration", migrationName)
		return nil
	}

	if err := m.runPhases(ctx, checkpoint); err != nil {
		m.markFailed(ctx, err)
		return err
	}
	if err := m.DropConfigsTable(ctx); err != nil {
		m.markFailed(ctx, err)
		return err
	}
	return m.markCompleted(ctx)
}

func (m *Migrator) runPhases(ctx context.Context, checkpoint *types.MigrationCheckpoint) error {
	phases := m.phases()

	// Skip phases the checkpoint has already moved past.
	start := 0
	if checkpoint != nil {
		for i, p := range phases {
			if p.Name() == checkpoint.Phase {
				start = i
				break
			}
		}
	}

	for i := start; i < len(phases); i++ {
		p := phases[i]
		var lastID, count int64
		if checkpoint != nil && checkpoint.Phase == p.Name() {
			lastID, count = checkpoint.LastID, checkpoint.Count
		}
		if err := m.runPhase(ctx, p, lastID, count); err != nil {
			return fmt.Errorf("phase %s: %w", p.Name(), err)
		}
	}
	return nil
}

// runPhase streams batches from the source, applying each batch and its
// checkpoint in one transaction.
func (m *Migrator) runPhase(ctx context.Context, src batchSource, lastID, count int64) error {
	limit := src.BatchSize()
	for {
		records, err := src.Next(ctx, lastID, limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			m.store.log.Info("migration phase complete",
				"phase", src.Name(), "migrated", count)
			return nil
		}

		err = m.store.withTx(ctx, func(tx pgx.Tx) error {
			for _, rec := range records {
				if err := rec.apply(ctx, tx); err != nil {
					return fmt.Errorf("record %d: %w", rec.id, err)
				}
			}
			cp := types.MigrationCheckpoint{
				Phase:  src.Name(),
				LastID: records[len(records)-1].id,
				Count:  count + int64(len(records)),
			}
			cpBytes, err := json.Marshal(cp)
			if err != nil {
				return fmt.Errorf("encode checkpoint: %w", err)
			}
			_, err = tx.Exec(ctx, `
				UPDATE migration_state SET last_checkpoint = $2
				WHERE migration_name = $1`, migrationName, cpBytes)
			return wrapDBError("write checkpoint", err)
		})
		if err != nil {
			return err
		}

		lastID = records[len(records)-1].id
		count += int64(len(records))
		m.store.log.Debug("migration batch committed",
			"phase", src.Name(), "last_id", lastID, "count", count)
	}
}

// DropConfigsTable is the terminal step: it removes the interim legacy config
// table, but refuses with ErrMigrationBlocked while any message still
// references it. That forces the message migration (which resolves config ids
// into model/pipeline attribution) to finish first.
func (m *Migrator) DropConfigsTable(ctx context.Context) error {
	var remaining bool
	err := m.store.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM conversation_messages WHERE legacy_config_id IS NOT NULL)`,
	).Scan(&remaining)
	if err != nil {
		return wrapDBError("check legacy config references", err)
	}
	if remaining {
		return fmt.Errorf("drop legacy configs: messages still reference legacy configs: %w",
			storage.ErrMigrationBlocked)
	}
	_, err = m.store.db.Exec(ctx, `DROP TABLE IF EXISTS legacy_configs`)
	return wrapDBError("drop legacy configs table", err)
}
