package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

func ptr[T any](v T) *T { return &v }

func testStatic() *types.StaticConfig {
	return &types.StaticConfig{
		DeploymentName:      "test",
		EmbeddingModel:      "test-embed",
		EmbeddingDimensions: 3,
		AvailablePipelines:  []string{"default", "condense"},
		AvailableModels:     []string{"m-small", "m-large"},
	}
}

func TestValidateDynamicUpdateTemperatureRange(t *testing.T) {
	err := ValidateDynamicUpdate(storage.DynamicConfigUpdate{
		Temperature: ptr(2.5),
	}, testStatic())

	var verr *types.ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "temperature", verr.Field)
	assert.Equal(t, "must be between 0.0 and 2.0", verr.Reason)
}

func TestValidateDynamicUpdateAcceptsBoundaries(t *testing.T) {
	assert.NoError(t, ValidateDynamicUpdate(storage.DynamicConfigUpdate{
		Temperature: ptr(0.0),
	}, testStatic()))
	assert.NoError(t, ValidateDynamicUpdate(storage.DynamicConfigUpdate{
		Temperature: ptr(2.0),
	}, testStatic()))
}

func TestValidateDynamicUpdateModelAvailability(t *testing.T) {
	err := ValidateDynamicUpdate(storage.DynamicConfigUpdate{
		ActiveModel: ptr("m-unknown"),
	}, testStatic())

	var verr *types.ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "active_model", verr.Field)

	assert.NoError(t, ValidateDynamicUpdate(storage.DynamicConfigUpdate{
		ActiveModel: ptr("m-large"),
	}, testStatic()))
}

func TestValidateDynamicUpdateWeights(t *testing.T) {
	for _, tc := range []struct {
		name string
		upd  storage.DynamicConfigUpdate
	}{
		{"bm25 weight", storage.DynamicConfigUpdate{BM25Weight: ptr(1.5)}},
		{"semantic weight", storage.DynamicConfigUpdate{SemanticWeight: ptr(-0.1)}},
		{"top_p", storage.DynamicConfigUpdate{TopP: ptr(1.2)}},
		{"max_tokens", storage.DynamicConfigUpdate{MaxTokens: ptr(0)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var verr *types.ConfigValidationError
			assert.ErrorAs(t, ValidateDynamicUpdate(tc.upd, testStatic()), &verr)
		})
	}
}

func staticRow() []any {
	return []any{"test", "v1", "/data", "test-embed", 3, 512, 64, "cosine",
		[]string{"default"}, []string{"m-small"}, []string{"openai"},
		false, 30, time.Now()}
}

func dynamicRow() []any {
	return []any{"default", "m-small", 0.7, 1024, nil, 1.0, 40, 1.0,
		"condense-v1", "chat-v1", "system-v1", 5, true, 0.3, 0.7,
		1.2, 0.75, "{}", "info", time.Now(), nil}
}

func TestStaticIsCachedUntilReload(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM static_config", staticRow())
	configs := newTestStore(db).configs

	ctx := context.Background()
	_, err := configs.Static(ctx)
	require.NoError(t, err)
	_, err = configs.Static(ctx)
	require.NoError(t, err)
	assert.Len(t, db.calls("FROM static_config"), 1)

	configs.Reload()
	_, err = configs.Static(ctx)
	require.NoError(t, err)
	assert.Len(t, db.calls("FROM static_config"), 2)
}

func TestDynamicIsNeverCached(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM dynamic_config", dynamicRow())
	configs := newTestStore(db).configs

	ctx := context.Background()
	for range 3 {
		_, err := configs.Dynamic(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, db.calls("FROM dynamic_config"), 3)
}

func TestUpdateDynamicRejectsInvalidWithoutWriting(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM static_config", staticRow())
	configs := newTestStore(db).configs

	err := configs.UpdateDynamic(context.Background(),
		storage.DynamicConfigUpdate{Temperature: ptr(2.5)}, "admin")

	var verr *types.ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, db.calls("UPDATE dynamic_config"))
	assert.Zero(t, db.begun)
}

func TestUpdateDynamicAuditsEachField(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM static_config", staticRow())
	db.on("FROM dynamic_config FOR UPDATE", dynamicRow())
	configs := newTestStore(db).configs

	err := configs.UpdateDynamic(context.Background(), storage.DynamicConfigUpdate{
		Temperature: ptr(0.9),
		MaxTokens:   ptr(2048),
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, db.committed)

	updates := db.calls("UPDATE dynamic_config SET")
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].sql, "temperature = $1")
	assert.Contains(t, updates[0].sql, "max_tokens = $2")
	assert.Contains(t, updates[0].sql, "updated_by = $3")

	audits := db.calls("INSERT INTO config_audit")
	require.Len(t, audits, 2)
	// (user_id, config_type, field_name, old_value, new_value)
	assert.Equal(t, "dynamic", audits[0].args[1])
	assert.Equal(t, "temperature", audits[0].args[2])
	assert.Equal(t, "0.7", *audits[0].args[3].(*string))
	assert.Equal(t, "0.9", *audits[0].args[4].(*string))
	assert.Equal(t, "max_tokens", audits[1].args[2])
}

func TestUpdateDynamicEmptyUpdateIsNoop(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM static_config", staticRow())
	db.on("FROM dynamic_config FOR UPDATE", dynamicRow())
	configs := newTestStore(db).configs

	require.NoError(t, configs.UpdateDynamic(context.Background(),
		storage.DynamicConfigUpdate{}, "admin"))
	assert.Empty(t, db.calls("UPDATE dynamic_config SET"))
}
