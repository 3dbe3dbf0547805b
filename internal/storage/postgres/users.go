package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// Users implements storage.UserService.
type Users struct {
	store *Store
}

var _ storage.UserService = (*Users)(nil)

// userColumns is the canonical select list for scanUser. Encrypted API key
// columns are deliberately absent: plaintext is only reachable through
// GetAPIKey, which decrypts in the database with the deployment key.
const userColumns = `id, email, display_name, auth_provider, github_id, is_admin,
	login_count, last_login_at, created_at,
	theme, preferred_model, preferred_temperature, preferred_max_tokens,
	preferred_num_documents, preferred_condense_prompt, preferred_chat_prompt,
	preferred_system_prompt, preferred_top_p, preferred_top_k`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	err := row.Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.AuthProvider, &u.GitHubID, &u.IsAdmin,
		&u.LoginCount, &u.LastLoginAt, &u.CreatedAt,
		&u.Preferences.Theme, &u.Preferences.PreferredModel,
		&u.Preferences.PreferredTemperature, &u.Preferences.PreferredMaxTokens,
		&u.Preferences.PreferredNumDocuments, &u.Preferences.PreferredCondensePrompt,
		&u.Preferences.PreferredChatPrompt, &u.Preferences.PreferredSystemPrompt,
		&u.Preferences.PreferredTopP, &u.Preferences.PreferredTopK,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// newAnonymousID synthesizes an anon_<random> user id.
func newAnonymousID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "anon_" + hex.EncodeToString(b[:])
}

// GetOrCreate returns the user with the given id, creating it lazily if
// absent. An empty id synthesizes an anonymous identity. Existing
// preferences and API keys are never clobbered by the upsert.
func (s *Users) GetOrCreate(ctx context.Context, up storage.UserUpsert) (*types.User, error) {
	id := up.ID
	if id == "" {
		if up.AuthProvider != "" && up.AuthProvider != types.ProviderAnonymous {
			return nil, fmt.Errorf("get or create user: non-anonymous user requires an id")
		}
		id = newAnonymousID()
		up.AuthProvider = types.ProviderAnonymous
	}
	if up.AuthProvider == "" {
		up.AuthProvider = types.ProviderAnonymous
	}

	row := s.store.db.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, auth_provider)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(users.email, EXCLUDED.email),
			display_name = COALESCE(users.display_name, EXCLUDED.display_name)
		RETURNING `+userColumns,
		id, up.Email, up.DisplayName, string(up.AuthProvider))
	u, err := scanUser(row)
	if err != nil {
		return nil, wrapDBError("get or create user", err)
	}
	return u, nil
}

// Get returns the user or storage.ErrNotFound.
func (s *Users) Get(ctx context.Context, id string) (*types.User, error) {
	u, err := scanUser(s.store.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, wrapDBErrorf(err, "get user %s", id)
	}
	return u, nil
}

// GetByEmail returns the user with the given email or storage.ErrNotFound.
func (s *Users) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	u, err := scanUser(s.store.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		return nil, wrapDBError("get user by email", err)
	}
	return u, nil
}

// preferenceColumns maps preference fields to their user columns, in a fixed
// order so the generated SQL is deterministic.
type prefField struct {
	column string
	value  func(p types.Preferences) any
	isSet  func(p types.Preferences) bool
}

var prefFields = []prefField{
	{"theme", func(p types.Preferences) any { return *p.Theme }, func(p types.Preferences) bool { return p.Theme != nil }},
	{"preferred_model", func(p types.Preferences) any { return *p.PreferredModel }, func(p types.Preferences) bool { return p.PreferredModel != nil }},
	{"preferred_temperature", func(p types.Preferences) any { return *p.PreferredTemperature }, func(p types.Preferences) bool { return p.PreferredTemperature != nil }},
	{"preferred_max_tokens", func(p types.Preferences) any { return *p.PreferredMaxTokens }, func(p types.Preferences) bool { return p.PreferredMaxTokens != nil }},
	{"preferred_num_documents", func(p types.Preferences) any { return *p.PreferredNumDocuments }, func(p types.Preferences) bool { return p.PreferredNumDocuments != nil }},
	{"preferred_condense_prompt", func(p types.Preferences) any { return *p.PreferredCondensePrompt }, func(p types.Preferences) bool { return p.PreferredCondensePrompt != nil }},
	{"preferred_chat_prompt", func(p types.Preferences) any { return *p.PreferredChatPrompt }, func(p types.Preferences) bool { return p.PreferredChatPrompt != nil }},
	{"preferred_system_prompt", func(p types.Preferences) any { return *p.PreferredSystemPrompt }, func(p types.Preferences) bool { return p.PreferredSystemPrompt != nil }},
	{"preferred_top_p", func(p types.Preferences) any { return *p.PreferredTopP }, func(p types.Preferences) bool { return p.PreferredTopP != nil }},
	{"preferred_top_k", func(p types.Preferences) any { return *p.PreferredTopK }, func(p types.Preferences) bool { return p.PreferredTopK != nil }},
}

// UpdatePreferences writes the provided (non-nil) preference fields and
// appends one audit row per changed field in the same transaction.
func (s *Users) UpdatePreferences(ctx context.Context, id string, prefs types.Preferences) error {
	return s.store.withTx(ctx, func(tx pgx.Tx) error {
		// Read current values under lock so the audit old/new pair is exact.
		before, err := scanUser(tx.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrapDBErrorf(err, "update preferences for %s", id)
		}

		set := ""
		args := []any{id}
		var audits []auditEntry
		for _, f := range prefFields {
			if !f.isSet(prefs) {
				continue
			}
			if set != "" {
				set += ", "
			}
			args = append(args, f.value(prefs))
			set += fmt.Sprintf("%s = $%d", f.column, len(args))
			audits = append(audits, auditEntry{
				userID:     &id,
				configType: "user_pref",
				field:      f.column,
				oldValue:   prefColumnValue(before.Preferences, f.column),
				newValue:   stringify(f.value(prefs)),
			})
		}
		if set == "" {
			return nil
		}

		tag, err := tx.Exec(ctx, `UPDATE users SET `+set+` WHERE id = $1`, args...)
		if err != nil {
			return wrapDBErrorf(err, "update preferences for %s", id)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update preferences for %s: %w", id, storage.ErrNotFound)
		}
		s.store.appendAudit(ctx, tx, audits)
		return nil
	})
}

// prefColumnValue renders the pre-update value of a preference column for the
// audit trail; nil means the preference was unset.
func prefColumnValue(p types.Preferences, column string) *string {
	switch column {
	case "theme":
		return strPtrOrNil(p.Theme)
	case "preferred_model":
		return strPtrOrNil(p.PreferredModel)
	case "preferred_temperature":
		return stringifyPtr(p.PreferredTemperature)
	case "preferred_max_tokens":
		return stringifyPtr(p.PreferredMaxTokens)
	case "preferred_num_documents":
		return stringifyPtr(p.PreferredNumDocuments)
	case "preferred_condense_prompt":
		return strPtrOrNil(p.PreferredCondensePrompt)
	case "preferred_chat_prompt":
		return strPtrOrNil(p.PreferredChatPrompt)
	case "preferred_system_prompt":
		return strPtrOrNil(p.PreferredSystemPrompt)
	case "preferred_top_p":
		return stringifyPtr(p.PreferredTopP)
	case "preferred_top_k":
		return stringifyPtr(p.PreferredTopK)
	}
	return nil
}

// apiKeyColumns whitelists the encrypted key column per provider. Never
// interpolate a caller-supplied column name.
var apiKeyColumns = map[types.APIProvider]string{
	types.APIProviderOpenAI:     "api_key_openai",
	types.APIProviderAnthropic:  "api_key_anthropic",
	types.APIProviderOpenRouter: "api_key_openrouter",
}

// SetAPIKey encrypts the plaintext with the deployment key inside the
// database. An empty plaintext clears the stored key.
func (s *Users) SetAPIKey(ctx context.Context, id string, provider types.APIProvider, plaintext string) error {
	column, ok := apiKeyColumns[provider]
	if !ok {
		return fmt.Errorf("set api key: unsupported provider %q", provider)
	}
	if s.store.cfg.EncryptionKey == "" {
		return fmt.Errorf("set api key: BYOK_ENCRYPTION_KEY not set: %w", storage.ErrConfigurationMissing)
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if plaintext == "" {
		tag, err = s.store.db.Exec(ctx,
			fmt.Sprintf(`UPDATE users SET %s = NULL WHERE id = $1`, column), id)
	} else {
		tag, err = s.store.db.Exec(ctx,
			fmt.Sprintf(`UPDATE users SET %s = pgp_sym_encrypt($2, $3) WHERE id = $1`, column),
			id, plaintext, s.store.cfg.EncryptionKey)
	}
	if err != nil {
		return wrapDBErrorf(err, "set %s api key for %s", provider, id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set api key for %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// GetAPIKey decrypts the stored key inside the database and returns "" when
// unset. Without the deployment key there is no path to the plaintext.
func (s *Users) GetAPIKey(ctx context.Context, id string, provider types.APIProvider) (string, error) {
	column, ok := apiKeyColumns[provider]
	if !ok {
		return "", nil
	}
	if s.store.cfg.EncryptionKey == "" {
		return "", fmt.Errorf("get api key: BYOK_ENCRYPTION_KEY not set: %w", storage.ErrConfigurationMissing)
	}

	var key *string
	err := s.store.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT pgp_sym_decrypt(%s, $2) FROM users WHERE id = $1`, column),
		id, s.store.cfg.EncryptionKey).Scan(&key)
	if err != nil {
		return "", wrapDBErrorf(err, "get %s api key for %s", provider, id)
	}
	if key == nil {
		return "", nil
	}
	return *key, nil
}

// LinkAnonymousToAuthenticated merges an anonymous user's state into an
// authenticated identity and removes the anonymous user, atomically:
//
//  1. preferences and API keys COALESCE-merge, existing authenticated
//     values winning;
//  2. conversation and document-default ownership is rewritten (document
//     defaults keep the authenticated row on conflict);
//  3. the anonymous user row is deleted (sessions cascade).
func (s *Users) LinkAnonymousToAuthenticated(ctx context.Context, anonID, authID string, provider types.AuthProvider, email, displayName *string) (*types.User, error) {
	var linked *types.User
	err := s.store.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND auth_provider = 'anonymous' FOR SHARE)`,
			anonID).Scan(&exists); err != nil {
			return wrapDBError("link users: check anonymous", err)
		}
		if !exists {
			return fmt.Errorf("link users: anonymous user %s: %w", anonID, storage.ErrNotFound)
		}

		// Create-or-merge the authenticated identity, copying the anonymous
		// user's preferences and keys only where the authenticated user has
		// none of its own.
		row := tx.QueryRow(ctx, `
			INSERT INTO users (id, email, display_name, auth_provider,
				theme, preferred_model, preferred_temperature, preferred_max_tokens,
				preferred_num_documents, preferred_condense_prompt, preferred_chat_prompt,
				preferred_system_prompt, preferred_top_p, preferred_top_k,
				api_key_openrouter, api_key_openai, api_key_anthropic)
			SELECT $2, $3, $4, $5,
				a.theme, a.preferred_model, a.preferred_temperature, a.preferred_max_tokens,
				a.preferred_num_documents, a.preferred_condense_prompt, a.preferred_chat_prompt,
				a.preferred_system_prompt, a.preferred_top_p, a.preferred_top_k,
				a.api_key_openrouter, a.api_key_openai, a.api_key_anthropic
			FROM users a WHERE a.id = $1
			ON CONFLICT (id) DO UPDATE SET
				email = COALESCE(users.email, EXCLUDED.email),
				display_name = COALESCE(users.display_name, EXCLUDED.display_name),
				theme = COALESCE(users.theme, EXCLUDED.theme),
				preferred_model = COALESCE(users.preferred_model, EXCLUDED.preferred_model),
				preferred_temperature = COALESCE(users.preferred_temperature, EXCLUDED.preferred_temperature),
				preferred_max_tokens = COALESCE(users.preferred_max_tokens, EXCLUDED.preferred_max_tokens),
				preferred_num_documents = COALESCE(users.preferred_num_documents, EXCLUDED.preferred_num_documents),
				preferred_condense_prompt = COALESCE(users.preferred_condense_prompt, EXCLUDED.preferred_condense_prompt),
				preferred_chat_prompt = COALESCE(users.preferred_chat_prompt, EXCLUDED.preferred_chat_prompt),
				preferred_system_prompt = COALESCE(users.preferred_system_prompt, EXCLUDED.preferred_system_prompt),
				preferred_top_p = COALESCE(users.preferred_top_p, EXCLUDED.preferred_top_p),
				preferred_top_k = COALESCE(users.preferred_top_k, EXCLUDED.preferred_top_k),
				api_key_openrouter = COALESCE(users.api_key_openrouter, EXCLUDED.api_key_openrouter),
				api_key_openai = COALESCE(users.api_key_openai, EXCLUDED.api_key_openai),
				api_key_anthropic = COALESCE(users.api_key_anthropic, EXCLUDED.api_key_anthropic)
			RETURNING `+userColumns,
			anonID, authID, email, displayName, string(provider))
		u, err := scanUser(row)
		if err != nil {
			return wrapDBError("link users: merge", err)
		}
		linked = u

		if _, err := tx.Exec(ctx,
			`UPDATE conversation_metadata SET user_id = $2 WHERE user_id = $1`,
			anonID, authID); err != nil {
			return wrapDBError("link users: rewrite conversations", err)
		}

		// Keep the authenticated user's own (user_id, document_id) rows on
		// conflict, then drop the anonymous ones.
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_document_defaults (user_id, document_id, enabled, updated_at)
			SELECT $2, document_id, enabled, updated_at
			FROM user_document_defaults WHERE user_id = $1
			ON CONFLICT (user_id, document_id) DO NOTHING`,
			anonID, authID); err != nil {
			return wrapDBError("link users: rewrite document defaults", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM user_document_defaults WHERE user_id = $1`, anonID); err != nil {
			return wrapDBError("link users: drop anonymous document defaults", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, anonID); err != nil {
			return wrapDBError("link users: delete anonymous user", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return linked, nil
}

func strPtrOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func stringify(v any) *string {
	s := fmt.Sprintf("%v", v)
	return &s
}

func stringifyPtr[T any](v *T) *string {
	if v == nil {
		return nil
	}
	return stringify(*v)
}
