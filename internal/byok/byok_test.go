package byok

import (
	"context"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

type fakeKeyStore struct {
	storage.UserService
	keys  map[string]string // "userID/provider" -> key
	calls int
}

func (f *fakeKeyStore) GetAPIKey(_ context.Context, id string, provider types.APIProvider) (string, error) {
	f.calls++
	return f.keys[id+"/"+string(provider)], nil
}

func testResolver(env map[string]string) (*Resolver, *fakeKeyStore) {
	users := &fakeKeyStore{keys: map[string]string{}}
	r := NewResolver(users)
	r.getenv = func(name string) string { return env[name] }
	return r, users
}

func TestUserFromRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := UserFrom(ctx)
	assert.False(t, ok)

	ctx = WithUser(ctx, "u1")
	id, ok := UserFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	_, ok = UserFrom(Clear(ctx))
	assert.False(t, ok)
}

func TestKeyForPrefersUserKey(t *testing.T) {
	r, users := testResolver(map[string]string{"ANTHROPIC_API_KEY": "env-key"})
	users.keys["u1/anthropic"] = "user-key"

	key, err := r.KeyFor(WithUser(context.Background(), "u1"), types.APIProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "user-key", key)
}

func TestKeyForFallsBackToEnv(t *testing.T) {
	r, _ := testResolver(map[string]string{"ANTHROPIC_API_KEY": "env-key"})

	// No user on the context.
	key, err := r.KeyFor(context.Background(), types.APIProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "env-key", key)

	// User present but has no stored key.
	key, err = r.KeyFor(WithUser(context.Background(), "u1"), types.APIProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "env-key", key)
}

func TestKeyForUnknownProvider(t *testing.T) {
	r, _ := testResolver(nil)
	_, err := r.KeyFor(context.Background(), types.APIProvider("bedrock"))
	assert.Error(t, err)
}

func TestKeyForClearedContextSkipsUserLookup(t *testing.T) {
	r, users := testResolver(map[string]string{"OPENAI_API_KEY": "env-key"})
	users.keys["u1/openai"] = "user-key"

	ctx := Clear(WithUser(context.Background(), "u1"))
	key, err := r.KeyFor(ctx, types.APIProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "env-key", key)
	assert.Zero(t, users.calls)
}

func TestAnthropicClientCachesEnvClientOnly(t *testing.T) {
	r, users := testResolver(map[string]string{"ANTHROPIC_API_KEY": "env-key"})
	users.keys["u1/anthropic"] = "user-key"

	a, err := r.AnthropicClient(context.Background())
	require.NoError(t, err)
	b, err := r.AnthropicClient(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b)

	ctx := WithUser(context.Background(), "u1")
	c, err := r.AnthropicClient(ctx)
	require.NoError(t, err)
	d, err := r.AnthropicClient(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, d)
	assert.NotSame(t, a, c)
}

func TestAnthropicClientConcurrentResolution(t *testing.T) {
	r, _ := testResolver(map[string]string{"ANTHROPIC_API_KEY": "env-key"})

	const n = 16
	clients := make(chan *anthropic.Client, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.AnthropicClient(context.Background())
			assert.NoError(t, err)
			clients <- c
		}()
	}
	wg.Wait()
	close(clients)

	first := <-clients
	for c := range clients {
		assert.Same(t, first, c)
	}
}

func TestAnthropicClientMissingEnvKey(t *testing.T) {
	r, _ := testResolver(nil)
	_, err := r.AnthropicClient(context.Background())
	assert.ErrorIs(t, err, storage.ErrConfigurationMissing)
}
