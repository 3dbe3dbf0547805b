package postgres

import (
	"context"

	"github.com/archilabs/archi/internal/types"
)

// SeedFromDeployment applies a deployment description to the config
// singletons. See Configs.SeedFromDeployment.
func (s *Store) SeedFromDeployment(ctx context.Context, sc types.StaticConfig, dc types.DynamicConfig) error {
	return s.configs.SeedFromDeployment(ctx, sc, dc)
}

// SeedFromDeployment applies a deployment description to the config
// singletons. Static config is overwritten unconditionally — it belongs to
// the deploy. Dynamic config is seeded only while no human has touched it
// (updated_by IS NULL), so admin-changed runtime settings survive redeploys.
func (c *Configs) SeedFromDeployment(ctx context.Context, sc types.StaticConfig, dc types.DynamicConfig) error {
	_, err := c.store.db.Exec(ctx, `
		INSERT INTO static_config (id, deployment_name, config_version, data_path,
			embedding_model, embedding_dimensions, chunk_size, chunk_overlap,
			distance_metric, available_pipelines, available_models,
			available_providers, auth_enabled, session_lifetime_days, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			deployment_name = EXCLUDED.deployment_name,
			config_version = EXCLUDED.config_version,
			data_path = EXCLUDED.data_path,
			embedding_model = EXCLUDED.embedding_model,
			embedding_dimensions = EXCLUDED.embedding_dimensions,
			chunk_size = EXCLUDED.chunk_size,
			chunk_overlap = EXCLUDED.chunk_overlap,
			distance_metric = EXCLUDED.distance_metric,
			available_pipelines = EXCLUDED.available_pipelines,
			available_models = EXCLUDED.available_models,
			available_providers = EXCLUDED.available_providers,
			auth_enabled = EXCLUDED.auth_enabled,
			session_lifetime_days = EXCLUDED.session_lifetime_days,
			updated_at = NOW()`,
		sc.DeploymentName, sc.ConfigVersion, sc.DataPath,
		sc.EmbeddingModel, sc.EmbeddingDimensions, sc.ChunkSize, sc.ChunkOverlap,
		string(sc.DistanceMetric), sc.AvailablePipelines, sc.AvailableModels,
		sc.AvailableProviders, sc.AuthEnabled, sc.SessionLifetimeDays)
	if err != nil {
		return wrapDBError("seed static config", err)
	}
	c.Reload()

	_, err = c.store.db.Exec(ctx, `
		INSERT INTO dynamic_config (id, active_pipeline, active_model, temperature,
			max_tokens, system_prompt, top_p, top_k, repetition_penalty,
			active_condense_prompt, active_chat_prompt, active_system_prompt,
			num_documents_to_retrieve, use_hybrid_search, bm25_weight,
			semantic_weight, bm25_k1, bm25_b, ingestion_schedule, verbosity,
			updated_at, updated_by)
		VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, NOW(), NULL)
		ON CONFLICT (id) DO UPDATE SET
			active_pipeline = EXCLUDED.active_pipeline,
			active_model = EXCLUDED.active_model,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens,
			system_prompt = EXCLUDED.system_prompt,
			top_p = EXCLUDED.top_p,
			top_k = EXCLUDED.top_k,
			repetition_penalty = EXCLUDED.repetition_penalty,
			active_condense_prompt = EXCLUDED.active_condense_prompt,
			active_chat_prompt = EXCLUDED.active_chat_prompt,
			active_system_prompt = EXCLUDED.active_system_prompt,
			num_documents_to_retrieve = EXCLUDED.num_documents_to_retrieve,
			use_hybrid_search = EXCLUDED.use_hybrid_search,
			bm25_weight = EXCLUDED.bm25_weight,
			semantic_weight = EXCLUDED.semantic_weight,
			bm25_k1 = EXCLUDED.bm25_k1,
			bm25_b = EXCLUDED.bm25_b,
			ingestion_schedule = EXCLUDED.ingestion_schedule,
			verbosity = EXCLUDED.verbosity,
			updated_at = NOW()
		WHERE dynamic_config.updated_by IS NULL`,
		dc.ActivePipeline, dc.ActiveModel, dc.Temperature,
		dc.MaxTokens, dc.SystemPrompt, dc.TopP, dc.TopK, dc.RepetitionPenalty,
		dc.ActiveCondensePrompt, dc.ActiveChatPrompt, dc.ActiveSystemPrompt,
		dc.NumDocumentsToRetrieve, dc.UseHybridSearch, dc.BM25Weight,
		dc.SemanticWeight, dc.BM25K1, dc.BM25B, dc.IngestionSchedule, dc.Verbosity)
	if err != nil {
		return wrapDBError("seed dynamic config", err)
	}
	return nil
}
