// Package byok resolves per-user API keys ("bring your own key") with
// fallback to the deployment keys from the environment. Keys are stored
// encrypted in the database and only ever decrypted on read.
package byok

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/archilabs/archi/internal/config"
	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

type ctxKey struct{}

// WithUser marks the context so key resolution prefers the user's stored
// keys. Request handlers set this once after session validation.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// Clear removes the user marker, restoring deployment-key behavior for the
// rest of the call chain. Background jobs use this before calling providers.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, "")
}

// UserFrom returns the user id carried by the context, if any.
func UserFrom(ctx context.Context) (string, bool) {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id, id != ""
}

// envVars maps providers to their deployment-level key variables. Each also
// honors the _FILE indirection via config.Getenv.
var envVars = map[types.APIProvider]string{
	types.APIProviderOpenAI:     "OPENAI_API_KEY",
	types.APIProviderAnthropic:  "ANTHROPIC_API_KEY",
	types.APIProviderOpenRouter: "OPENROUTER_API_KEY",
}

// Resolver resolves API keys and builds provider clients. The client built
// from the deployment key is cached; clients built from user keys are
// constructed fresh per call so revoked keys stop working immediately.
type Resolver struct {
	users storage.UserService

	// getenv is swapped in tests.
	getenv func(string) string

	// envMu guards the lazily built deployment-key client; resolution happens
	// concurrently across request handlers.
	envMu     sync.Mutex
	envClient *anthropic.Client
}

// NewResolver builds a resolver over the user service.
func NewResolver(users storage.UserService) *Resolver {
	return &Resolver{users: users, getenv: config.Getenv}
}

// KeyFor resolves the key for a provider: the context user's stored key when
// present, otherwise the deployment key from the environment. Returns "" when
// neither is configured.
func (r *Resolver) KeyFor(ctx context.Context, provider types.APIProvider) (string, error) {
	if !types.ValidAPIProvider(provider) {
		return "", fmt.Errorf("unknown api provider %q", provider)
	}
	if userID, ok := UserFrom(ctx); ok {
		key, err := r.users.GetAPIKey(ctx, userID, provider)
		if err != nil {
			return "", fmt.Errorf("resolve %s key for user %s: %w", provider, userID, err)
		}
		if key != "" {
			return key, nil
		}
	}
	return r.getenv(envVars[provider]), nil
}

// AnthropicClient returns a client for the resolved Anthropic key. The
// deployment-key client is built once and reused; user-key clients are fresh.
func (r *Resolver) AnthropicClient(ctx context.Context) (*anthropic.Client, error) {
	if userID, ok := UserFrom(ctx); ok {
		key, err := r.users.GetAPIKey(ctx, userID, types.APIProviderAnthropic)
		if err != nil {
			return nil, fmt.Errorf("resolve anthropic key for user %s: %w", userID, err)
		}
		if key != "" {
			c := anthropic.NewClient(option.WithAPIKey(key))
			return &c, nil
		}
	}
	return r.envAnthropicClient()
}

func (r *Resolver) envAnthropicClient() (*anthropic.Client, error) {
	r.envMu.Lock()
	defer r.envMu.Unlock()
	if r.envClient != nil {
		return r.envClient, nil
	}
	// A mutex rather than sync.Once: a missing key is not cached, so setting
	// the variable and retrying works without restarting the daemon.
	key := r.getenv(envVars[types.APIProviderAnthropic])
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w", storage.ErrConfigurationMissing)
	}
	c := anthropic.NewClient(option.WithAPIKey(key))
	r.envClient = &c
	return r.envClient, nil
}
