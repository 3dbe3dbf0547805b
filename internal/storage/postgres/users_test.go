package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// userRow builds a scanUser-compatible value row for the fake.
func userRow(id string) []any {
	return []any{id, nil, nil, "anonymous", nil, false, 0, nil, time.Now(),
		nil, nil, nil, nil, nil, nil, nil, nil, nil, nil}
}

func TestNewAnonymousID(t *testing.T) {
	a := newAnonymousID()
	b := newAnonymousID()

	assert.True(t, strings.HasPrefix(a, "anon_"))
	assert.Len(t, a, len("anon_")+16)
	assert.NotEqual(t, a, b)
}

func TestGetOrCreateSynthesizesAnonymousID(t *testing.T) {
	db := &fakeDB{}
	db.on("INSERT INTO users", userRow("anon_0123456789abcdef"))
	users := newTestStore(db).users

	u, err := users.GetOrCreate(context.Background(), storage.UserUpsert{})
	require.NoError(t, err)
	assert.Equal(t, types.ProviderAnonymous, u.AuthProvider)

	calls := db.calls("INSERT INTO users")
	require.Len(t, calls, 1)
	id := calls[0].args[0].(string)
	assert.True(t, strings.HasPrefix(id, "anon_"))
	assert.Equal(t, "anonymous", calls[0].args[3])
}

func TestGetOrCreateNonAnonymousRequiresID(t *testing.T) {
	users := newTestStore(&fakeDB{}).users
	_, err := users.GetOrCreate(context.Background(), storage.UserUpsert{
		AuthProvider: types.ProviderLocal,
	})
	assert.Error(t, err)
}

func TestSetAPIKeyRequiresEncryptionKey(t *testing.T) {
	store := NewWithDB(&fakeDB{}, Config{EmbeddingDimensions: 3})
	err := store.users.SetAPIKey(context.Background(), "u1", types.APIProviderOpenAI, "sk-x")
	assert.ErrorIs(t, err, storage.ErrConfigurationMissing)
}

func TestSetAPIKeyEncryptsInDatabase(t *testing.T) {
	db := &fakeDB{}
	db.onTag("pgp_sym_encrypt", "UPDATE 1")
	users := newTestStore(db).users

	err := users.SetAPIKey(context.Background(), "u1", types.APIProviderAnthropic, "sk-ant")
	require.NoError(t, err)

	calls := db.calls("pgp_sym_encrypt")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].sql, "api_key_anthropic")
	assert.Equal(t, []any{"u1", "sk-ant", "test-key"}, calls[0].args)
}

func TestSetAPIKeyEmptyPlaintextClears(t *testing.T) {
	db := &fakeDB{}
	db.onTag("= NULL WHERE id", "UPDATE 1")
	users := newTestStore(db).users

	require.NoError(t, users.SetAPIKey(context.Background(), "u1", types.APIProviderOpenAI, ""))
	assert.Empty(t, db.calls("pgp_sym_encrypt"))
	assert.Len(t, db.calls("api_key_openai = NULL"), 1)
}

func TestSetAPIKeyUnknownUser(t *testing.T) {
	db := &fakeDB{}
	db.onTag("pgp_sym_encrypt", "UPDATE 0")
	users := newTestStore(db).users

	err := users.SetAPIKey(context.Background(), "ghost", types.APIProviderOpenAI, "sk-x")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetAPIKeyUnsetReturnsEmpty(t *testing.T) {
	db := &fakeDB{}
	db.on("pgp_sym_decrypt", []any{nil})
	users := newTestStore(db).users

	key, err := users.GetAPIKey(context.Background(), "u1", types.APIProviderOpenAI)
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestGetAPIKeyDecryptsInDatabase(t *testing.T) {
	db := &fakeDB{}
	db.on("pgp_sym_decrypt", []any{"sk-plain"})
	users := newTestStore(db).users

	key, err := users.GetAPIKey(context.Background(), "u1", types.APIProviderOpenRouter)
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", key)

	calls := db.calls("pgp_sym_decrypt")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].sql, "api_key_openrouter")
}

func TestLinkRewritesOwnershipAndDeletesAnon(t *testing.T) {
	db := &fakeDB{}
	db.on("auth_provider = 'anonymous'", []any{true})
	db.on("ON CONFLICT (id) DO UPDATE", userRow("auth-1"))
	users := newTestStore(db).users

	u, err := users.LinkAnonymousToAuthenticated(context.Background(),
		"anon_1", "auth-1", types.ProviderLocal, ptr("u@example.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, "auth-1", u.ID)
	assert.Equal(t, 1, db.committed)

	assert.Len(t, db.calls("UPDATE conversation_metadata SET user_id"), 1)
	assert.Len(t, db.calls("DELETE FROM user_document_defaults WHERE user_id"), 1)
	assert.Len(t, db.calls("DELETE FROM users WHERE id"), 1)
}

func TestLinkFailsForUnknownAnonymousUser(t *testing.T) {
	db := &fakeDB{}
	db.on("auth_provider = 'anonymous'", []any{false})
	users := newTestStore(db).users

	_, err := users.LinkAnonymousToAuthenticated(context.Background(),
		"anon_ghost", "auth-1", types.ProviderLocal, nil, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, db.committed)
	assert.Equal(t, 1, db.rolledBack)
}

func TestUpdatePreferencesAuditsChanges(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM users WHERE id = $1 FOR UPDATE", userRow("u1"))
	db.onTag("UPDATE users SET", "UPDATE 1")
	users := newTestStore(db).users

	err := users.UpdatePreferences(context.Background(), "u1", types.Preferences{
		Theme: ptr("dark"),
	})
	require.NoError(t, err)

	updates := db.calls("UPDATE users SET")
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].sql, "theme = $2")

	audits := db.calls("INSERT INTO config_audit")
	require.Len(t, audits, 1)
	assert.Equal(t, "user_pref", audits[0].args[1])
	assert.Equal(t, "theme", audits[0].args[2])
	assert.Nil(t, audits[0].args[3].(*string))
	assert.Equal(t, "dark", *audits[0].args[4].(*string))
}
