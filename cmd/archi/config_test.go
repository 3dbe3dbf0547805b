package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDynamicUpdateParsesTypes(t *testing.T) {
	upd, err := buildDynamicUpdate("temperature", "0.4")
	require.NoError(t, err)
	require.NotNil(t, upd.Temperature)
	assert.Equal(t, 0.4, *upd.Temperature)

	upd, err = buildDynamicUpdate("max_tokens", "2048")
	require.NoError(t, err)
	require.NotNil(t, upd.MaxTokens)
	assert.Equal(t, 2048, *upd.MaxTokens)

	upd, err = buildDynamicUpdate("use_hybrid_search", "false")
	require.NoError(t, err)
	require.NotNil(t, upd.UseHybridSearch)
	assert.False(t, *upd.UseHybridSearch)

	upd, err = buildDynamicUpdate("model", "m-large")
	require.NoError(t, err)
	require.NotNil(t, upd.ActiveModel)
	assert.Equal(t, "m-large", *upd.ActiveModel)
}

func TestBuildDynamicUpdateRejectsBadValues(t *testing.T) {
	_, err := buildDynamicUpdate("temperature", "warm")
	assert.Error(t, err)

	_, err = buildDynamicUpdate("top_k", "many")
	assert.Error(t, err)

	_, err = buildDynamicUpdate("use_hybrid_search", "maybe")
	assert.Error(t, err)
}

func TestBuildDynamicUpdateUnknownField(t *testing.T) {
	_, err := buildDynamicUpdate("chunk_size", "1024")
	assert.Error(t, err)
}
