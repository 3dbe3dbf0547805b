package postgres

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// Configs implements storage.ConfigService. Static config is cached in
// process behind a read/write lock; dynamic config is always read through.
type Configs struct {
	store *Store

	mu     sync.RWMutex
	static *types.StaticConfig
}

var _ storage.ConfigService = (*Configs)(nil)

func newConfigs(s *Store) *Configs {
	return &Configs{store: s}
}

const staticColumns = `deployment_name, config_version, data_path, embedding_model,
	embedding_dimensions, chunk_size, chunk_overlap, distance_metric,
	available_pipelines, available_models, available_providers,
	auth_enabled, session_lifetime_days, updated_at`

// Static returns the cached deploy-time configuration, loading it on first
// use. Reload invalidates the cache.
func (c *Configs) Static(ctx context.Context) (*types.StaticConfig, error) {
	c.mu.RLock()
	cached := c.static
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.static != nil {
		return c.static, nil
	}

	var sc types.StaticConfig
	var metric string
	err := c.store.db.QueryRow(ctx, `SELECT `+staticColumns+` FROM static_config`).Scan(
		&sc.DeploymentName, &sc.ConfigVersion, &sc.DataPath, &sc.EmbeddingModel,
		&sc.EmbeddingDimensions, &sc.ChunkSize, &sc.ChunkOverlap, &metric,
		&sc.AvailablePipelines, &sc.AvailableModels, &sc.AvailableProviders,
		&sc.AuthEnabled, &sc.SessionLifetimeDays, &sc.UpdatedAt)
	if err != nil {
		return nil, wrapDBError("load static config", err)
	}
	sc.DistanceMetric = types.DistanceMetric(metric)
	c.static = &sc
	return c.static, nil
}

// Reload atomically invalidates the static cache; the next Static call reads
// the database again.
func (c *Configs) Reload() {
	c.mu.Lock()
	c.static = nil
	c.mu.Unlock()
}

const dynamicColumns = `active_pipeline, active_model, temperature, max_tokens,
	system_prompt, top_p, top_k, repetition_penalty,
	active_condense_prompt, active_chat_prompt, active_system_prompt,
	num_documents_to_retrieve, use_hybrid_search, bm25_weight, semantic_weight,
	bm25_k1, bm25_b, ingestion_schedule, verbosity, updated_at, updated_by`

func scanDynamic(row pgx.Row) (*types.DynamicConfig, error) {
	var dc types.DynamicConfig
	err := row.Scan(
		&dc.ActivePipeline, &dc.ActiveModel, &dc.Temperature, &dc.MaxTokens,
		&dc.SystemPrompt, &dc.TopP, &dc.TopK, &dc.RepetitionPenalty,
		&dc.ActiveCondensePrompt, &dc.ActiveChatPrompt, &dc.ActiveSystemPrompt,
		&dc.NumDocumentsToRetrieve, &dc.UseHybridSearch, &dc.BM25Weight, &dc.SemanticWeight,
		&dc.BM25K1, &dc.BM25B, &dc.IngestionSchedule, &dc.Verbosity, &dc.UpdatedAt, &dc.UpdatedBy)
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

// Dynamic reads the runtime configuration. Never cached: admin writes must be
// visible to the next request.
func (c *Configs) Dynamic(ctx context.Context) (*types.DynamicConfig, error) {
	dc, err := scanDynamic(c.store.db.QueryRow(ctx,
		`SELECT `+dynamicColumns+` FROM dynamic_config`))
	if err != nil {
		return nil, wrapDBError("load dynamic config", err)
	}
	return dc, nil
}

// dynField describes one updatable dynamic-config column: how to read the
// update value, how to render the prior value for the audit row, and an
// optional range check.
type dynField struct {
	column   string
	isSet    func(u storage.DynamicConfigUpdate) bool
	value    func(u storage.DynamicConfigUpdate) any
	oldValue func(d *types.DynamicConfig) *string
	validate func(u storage.DynamicConfigUpdate, sc *types.StaticConfig) *types.ConfigValidationError
}

func inClosedRange(field string, v, lo, hi float64) *types.ConfigValidationError {
	if v < lo || v > hi {
		return &types.ConfigValidationError{
			Field:  field,
			Reason: fmt.Sprintf("must be between %.1f and %.1f", lo, hi),
		}
	}
	return nil
}

var dynFields = []dynField{
	{
		column: "active_pipeline",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.ActivePipeline != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.ActivePipeline },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.ActivePipeline) },
		validate: func(u storage.DynamicConfigUpdate, sc *types.StaticConfig) *types.ConfigValidationError {
			if len(sc.AvailablePipelines) > 0 && !slices.Contains(sc.AvailablePipelines, *u.ActivePipeline) {
				return &types.ConfigValidationError{Field: "active_pipeline", Reason: "not an available pipeline"}
			}
			return nil
		},
	},
	{
		column: "active_model",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.ActiveModel != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.ActiveModel },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.ActiveModel) },
		validate: func(u storage.DynamicConfigUpdate, sc *types.StaticConfig) *types.ConfigValidationError {
			if len(sc.AvailableModels) > 0 && !slices.Contains(sc.AvailableModels, *u.ActiveModel) {
				return &types.ConfigValidationError{Field: "active_model", Reason: "not an available model"}
			}
			return nil
		},
	},
	{
		column: "temperature",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.Temperature != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.Temperature },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.Temperature) },
		validate: func(u storage.DynamicConfigUpdate, _ *types.StaticConfig) *types.ConfigValidationError {
			return inClosedRange("temperature", *u.Temperature, 0, 2)
		},
	},
	{
		column: "max_tokens",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.MaxTokens != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.MaxTokens },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.MaxTokens) },
		validate: func(u storage.DynamicConfigUpdate, _ *types.StaticConfig) *types.ConfigValidationError {
			if *u.MaxTokens < 1 {
				return &types.ConfigValidationError{Field: "max_tokens", Reason: "must be at least 1"}
			}
			return nil
		},
	},
	{
		column:   "system_prompt",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.SystemPrompt != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.SystemPrompt },
		oldValue: func(d *types.DynamicConfig) *string { return strPtrOrNil(d.SystemPrompt) },
	},
	{
		column: "top_p",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.TopP != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.TopP },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.TopP) },
		validate: func(u storage.DynamicConfigUpdate, _ *types.StaticConfig) *types.ConfigValidationError {
			return inClosedRange("top_p", *u.TopP, 0, 1)
		},
	},
	{
		column: "top_k",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.TopK != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.TopK },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.TopK) },
		validate: func(u storage.DynamicConfigUpdate, _ *types.StaticConfig) *types.ConfigValidationError {
			if *u.TopK < 0 {
				return &types.ConfigValidationError{Field: "top_k", Reason: "must not be negative"}
			}
			return nil
		},
	},
	{
		column:   "repetition_penalty",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.RepetitionPenalty != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.RepetitionPenalty },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.RepetitionPenalty) },
	},
	{
		column:   "active_condense_prompt",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.ActiveCondensePrompt != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.ActiveCondensePrompt },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.ActiveCondensePrompt) },
	},
	{
		column:   "active_chat_prompt",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.ActiveChatPrompt != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.ActiveChatPrompt },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.ActiveChatPrompt) },
	},
	{
		column:   "active_system_prompt",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.ActiveSystemPrompt != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.ActiveSystemPrompt },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.ActiveSystemPrompt) },
	},
	{
		column: "num_documents_to_retrieve",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.NumDocumentsToRetrieve != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.NumDocumentsToRetrieve },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.NumDocumentsToRetrieve) },
		validate: func(u storage.DynamicConfigUpdate, _ *types.StaticConfig) *types.ConfigValidationError {
			if *u.NumDocumentsToRetrieve < 1 {
				return &types.ConfigValidationError{Field: "num_documents_to_retrieve", Reason: "must be at least 1"}
			}
			return nil
		},
	},
	{
		column:   "use_hybrid_search",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.UseHybridSearch != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.UseHybridSearch },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.UseHybridSearch) },
	},
	{
		column: "bm25_weight",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.BM25Weight != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.BM25Weight },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.BM25Weight) },
		validate: func(u storage.DynamicConfigUpdate, _ *types.StaticConfig) *types.ConfigValidationError {
			return inClosedRange("bm25_weight", *u.BM25Weight, 0, 1)
		},
	},
	{
		column: "semantic_weight",
		isSet:  func(u storage.DynamicConfigUpdate) bool { return u.SemanticWeight != nil },
		value:  func(u storage.DynamicConfigUpdate) any { return *u.SemanticWeight },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.SemanticWeight) },
		validate: func(u storage.DynamicConfigUpdate, _ *types.StaticConfig) *types.ConfigValidationError {
			return inClosedRange("semantic_weight", *u.SemanticWeight, 0, 1)
		},
	},
	{
		column:   "bm25_k1",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.BM25K1 != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.BM25K1 },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.BM25K1) },
	},
	{
		column:   "bm25_b",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.BM25B != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.BM25B },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.BM25B) },
	},
	{
		column:   "ingestion_schedule",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.IngestionSchedule != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.IngestionSchedule },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.IngestionSchedule) },
	},
	{
		column:   "verbosity",
		isSet:    func(u storage.DynamicConfigUpdate) bool { return u.Verbosity != nil },
		value:    func(u storage.DynamicConfigUpdate) any { return *u.Verbosity },
		oldValue: func(d *types.DynamicConfig) *string { return stringify(d.Verbosity) },
	},
}

// ValidateDynamicUpdate checks every provided field against the ranges and
// the static availability lists. The first violation is returned.
func ValidateDynamicUpdate(upd storage.DynamicConfigUpdate, sc *types.StaticConfig) error {
	for _, f := range dynFields {
		if !f.isSet(upd) || f.validate == nil {
			continue
		}
		if verr := f.validate(upd, sc); verr != nil {
			return verr
		}
	}
	return nil
}

// UpdateDynamic validates and applies the update atomically, appending one
// audit row per changed field in the same transaction. A validation failure
// aborts the whole write and surfaces as *types.ConfigValidationError.
func (c *Configs) UpdateDynamic(ctx context.Context, upd storage.DynamicConfigUpdate, updatedBy string) error {
	sc, err := c.Static(ctx)
	if err != nil {
		return err
	}
	if err := ValidateDynamicUpdate(upd, sc); err != nil {
		return err
	}

	return c.store.withTx(ctx, func(tx pgx.Tx) error {
		before, err := scanDynamic(tx.QueryRow(ctx,
			`SELECT `+dynamicColumns+` FROM dynamic_config FOR UPDATE`))
		if err != nil {
			return wrapDBError("update dynamic config", err)
		}

		set := ""
		var args []any
		var audits []auditEntry
		var actor *string
		if updatedBy != "" {
			actor = &updatedBy
		}
		for _, f := range dynFields {
			if !f.isSet(upd) {
				continue
			}
			if set != "" {
				set += ", "
			}
			args = append(args, f.value(upd))
			set += fmt.Sprintf("%s = $%d", f.column, len(args))
			audits = append(audits, auditEntry{
				userID:     actor,
				configType: "dynamic",
				field:      f.column,
				oldValue:   f.oldValue(before),
				newValue:   stringify(f.value(upd)),
			})
		}
		if set == "" {
			return nil
		}

		args = append(args, actor)
		set += fmt.Sprintf(", updated_at = NOW(), updated_by = $%d", len(args))
		if _, err := tx.Exec(ctx, `UPDATE dynamic_config SET `+set, args...); err != nil {
			return wrapDBError("update dynamic config", err)
		}
		c.store.appendAudit(ctx, tx, audits)
		return nil
	})
}

// AuditTrail returns the most recent audit entries, newest first.
func (c *Configs) AuditTrail(ctx context.Context, limit int) ([]types.ConfigAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.store.db.Query(ctx, `
		SELECT id, user_id, changed_at, config_type, field_name, old_value, new_value
		FROM config_audit ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapDBError("load audit trail", err)
	}
	defer rows.Close()

	var out []types.ConfigAuditEntry
	for rows.Next() {
		var e types.ConfigAuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ChangedAt, &e.ConfigType,
			&e.FieldName, &e.OldValue, &e.NewValue); err != nil {
			return nil, wrapDBError("scan audit entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// auditEntry is one pending audit row.
type auditEntry struct {
	userID     *string
	configType string
	field      string
	oldValue   *string
	newValue   *string
}

// appendAudit writes audit rows inside the caller's transaction, under a
// savepoint so an audit failure never poisons the functional write. Failures
// are logged at warning level and swallowed.
func (s *Store) appendAudit(ctx context.Context, tx pgx.Tx, entries []auditEntry) {
	if len(entries) == 0 {
		return
	}
	if _, err := tx.Exec(ctx, `SAVEPOINT config_audit`); err != nil {
		s.log.Warn("config audit savepoint failed", "err", err)
		return
	}
	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO config_audit (user_id, config_type, field_name, old_value, new_value)
			VALUES ($1, $2, $3, $4, $5)`,
			e.userID, e.configType, e.field, e.oldValue, e.newValue)
		if err != nil {
			s.log.Warn("config audit write failed", "field", e.field, "err", err)
			_, _ = tx.Exec(ctx, `ROLLBACK TO SAVEPOINT config_audit`)
			return
		}
	}
	if _, err := tx.Exec(ctx, `RELEASE SAVEPOINT config_audit`); err != nil {
		s.log.Warn("config audit savepoint release failed", "err", err)
	}
}
