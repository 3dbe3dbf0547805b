package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// AuthQueries implements storage.AuthStore. Split from Users so the
// credential surface stays small and auditable.
type AuthQueries struct {
	store *Store
}

var _ storage.AuthStore = (*AuthQueries)(nil)

// CredentialsByEmail returns the user id and password hash for a local login
// attempt.
func (a *AuthQueries) CredentialsByEmail(ctx context.Context, email string) (string, *string, error) {
	var userID string
	var hash *string
	err := a.store.db.QueryRow(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email,
	).Scan(&userID, &hash)
	if err != nil {
		return "", nil, wrapDBError("load credentials", err)
	}
	return userID, hash, nil
}

// RecordLogin bumps the login counter and stamps the login time.
func (a *AuthQueries) RecordLogin(ctx context.Context, userID string) error {
	tag, err := a.store.db.Exec(ctx, `
		UPDATE users SET login_count = login_count + 1, last_login_at = NOW()
		WHERE id = $1`, userID)
	if err != nil {
		return wrapDBErrorf(err, "record login for %s", userID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record login for %s: %w", userID, storage.ErrNotFound)
	}
	return nil
}

// GetByGitHubID returns the user carrying the federated identity.
func (a *AuthQueries) GetByGitHubID(ctx context.Context, githubID string) (*types.User, error) {
	u, err := scanUser(a.store.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE github_id = $1`, githubID))
	if err != nil {
		return nil, wrapDBError("get user by github id", err)
	}
	return u, nil
}

// LinkGitHubID attaches the federated identity to an account matched by
// email, so subsequent callbacks hit the id path directly.
func (a *AuthQueries) LinkGitHubID(ctx context.Context, userID, githubID string) error {
	tag, err := a.store.db.Exec(ctx,
		`UPDATE users SET github_id = $2 WHERE id = $1 AND github_id IS NULL`,
		userID, githubID)
	if err != nil {
		return wrapDBErrorf(err, "link github id for %s", userID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link github id for %s: already linked or missing: %w",
			userID, storage.ErrNotFound)
	}
	return nil
}

// UpsertAdmin creates or promotes the admin account. Safe to run on every
// deploy.
func (a *AuthQueries) UpsertAdmin(ctx context.Context, email string, passwordHash *string) (*types.User, error) {
	id := "admin_" + uuid.NewString()
	u, err := scanUser(a.store.db.QueryRow(ctx, `
		INSERT INTO users (id, email, auth_provider, password_hash, is_admin)
		VALUES ($1, $2, 'local', $3, TRUE)
		ON CONFLICT (email) DO UPDATE SET
			is_admin = TRUE,
			password_hash = COALESCE(EXCLUDED.password_hash, users.password_hash)
		RETURNING `+userColumns,
		id, email, passwordHash))
	if err != nil {
		return nil, wrapDBError("ensure admin", err)
	}
	return u, nil
}
