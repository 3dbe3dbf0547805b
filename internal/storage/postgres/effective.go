package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// effectiveField binds an effective field name to its user-preference and
// dynamic-config sources. This mapping table is the source of truth for
// resolution: user preference first, then dynamic config. A nil fromPrefs
// means the field has no per-user overlay; a nil fromDynamic means the field
// is preference-only (e.g. theme).
type effectiveField struct {
	fromPrefs   func(p types.Preferences) (any, bool)
	fromDynamic func(d *types.DynamicConfig) any
}

var effectiveFields = map[string]effectiveField{
	"model": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredModel) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.ActiveModel },
	},
	"temperature": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredTemperature) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.Temperature },
	},
	"max_tokens": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredMaxTokens) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.MaxTokens },
	},
	"num_documents_to_retrieve": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredNumDocuments) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.NumDocumentsToRetrieve },
	},
	"condense_prompt": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredCondensePrompt) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.ActiveCondensePrompt },
	},
	"chat_prompt": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredChatPrompt) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.ActiveChatPrompt },
	},
	"system_prompt": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredSystemPrompt) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.ActiveSystemPrompt },
	},
	"top_p": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredTopP) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.TopP },
	},
	"top_k": {
		fromPrefs:   func(p types.Preferences) (any, bool) { return deref(p.PreferredTopK) },
		fromDynamic: func(d *types.DynamicConfig) any { return d.TopK },
	},
	"theme": {
		fromPrefs: func(p types.Preferences) (any, bool) { return deref(p.Theme) },
	},
}

func deref[T any](p *T) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

// dynamicFieldValue is the fall-through lookup for fields without a per-user
// overlay. Field names are the dynamic_config column names.
func dynamicFieldValue(d *types.DynamicConfig, field string) (any, bool) {
	switch field {
	case "active_pipeline", "pipeline":
		return d.ActivePipeline, true
	case "active_model":
		return d.ActiveModel, true
	case "repetition_penalty":
		return d.RepetitionPenalty, true
	case "use_hybrid_search":
		return d.UseHybridSearch, true
	case "bm25_weight":
		return d.BM25Weight, true
	case "semantic_weight":
		return d.SemanticWeight, true
	case "bm25_k1":
		return d.BM25K1, true
	case "bm25_b":
		return d.BM25B, true
	case "ingestion_schedule":
		return d.IngestionSchedule, true
	case "verbosity":
		return d.Verbosity, true
	}
	return nil, false
}

// ResolveEffective computes user_pref[field] ?? dynamic[field] without
// touching the database. Exported for the property tests that cross-check
// the mapping table.
func ResolveEffective(field string, prefs *types.Preferences, dyn *types.DynamicConfig) (any, bool) {
	if ef, ok := effectiveFields[field]; ok {
		if prefs != nil && ef.fromPrefs != nil {
			if v, set := ef.fromPrefs(*prefs); set {
				return v, true
			}
		}
		if ef.fromDynamic != nil {
			return ef.fromDynamic(dyn), true
		}
		return nil, false
	}
	// Unknown effective names fall through to a dynamic-only lookup.
	return dynamicFieldValue(dyn, field)
}

// GetEffective resolves the effective value of a configuration field for a
// user: user preference first, then dynamic config. An empty userID skips the
// preference overlay.
func (c *Configs) GetEffective(ctx context.Context, field string, userID string) (any, error) {
	dyn, err := c.Dynamic(ctx)
	if err != nil {
		return nil, err
	}

	var prefs *types.Preferences
	if userID != "" {
		u, err := c.store.users.Get(ctx, userID)
		switch {
		case err == nil:
			prefs = &u.Preferences
		case errors.Is(err, storage.ErrNotFound):
			// Unknown user resolves as if no preferences were set.
		default:
			return nil, err
		}
	}

	v, ok := ResolveEffective(field, prefs, dyn)
	if !ok {
		return nil, fmt.Errorf("effective config field %q: %w", field, storage.ErrNotFound)
	}
	return v, nil
}
