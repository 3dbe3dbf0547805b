package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// Sessions implements storage.SessionService.
type Sessions struct {
	store *Store
}

var _ storage.SessionService = (*Sessions)(nil)

// newSessionToken returns 32 random bytes hex-encoded. crypto/rand only; the
// token is the whole credential.
func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create opens a session for the user.
func (s *Sessions) Create(ctx context.Context, userID string, lifetime time.Duration) (*types.Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	sess := &types.Session{Token: token, UserID: userID}
	err = s.store.db.QueryRow(ctx, `
		INSERT INTO sessions (token, user_id, expires_at)
		VALUES ($1, $2, NOW() + $3)
		RETURNING expires_at, created_at`,
		token, userID, lifetime,
	).Scan(&sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, wrapDBErrorf(err, "create session for %s", userID)
	}
	return sess, nil
}

// Validate resolves a token to its user. An unknown or expired token fails
// with ErrAuthentication; expired tokens are also deleted on the way out so
// the table does not accumulate garbage between sweeps.
func (s *Sessions) Validate(ctx context.Context, token string) (*types.User, error) {
	var userID string
	var expiresAt time.Time
	err := s.store.db.QueryRow(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE token = $1`, token,
	).Scan(&userID, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storage.ErrAuthentication
		}
		return nil, wrapDBError("validate session", err)
	}
	if time.Now().After(expiresAt) {
		if _, derr := s.store.db.Exec(ctx,
			`DELETE FROM sessions WHERE token = $1`, token); derr != nil {
			s.store.log.Warn("delete expired session", "err", derr)
		}
		return nil, storage.ErrAuthentication
	}

	u, err := scanUser(s.store.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storage.ErrAuthentication
		}
		return nil, wrapDBError("load session user", err)
	}
	return u, nil
}

// Delete is logout. Deleting an unknown token is not an error.
func (s *Sessions) Delete(ctx context.Context, token string) error {
	_, err := s.store.db.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return wrapDBError("delete session", err)
}

// CleanupExpired sweeps all expired sessions and reports the count.
func (s *Sessions) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.store.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, wrapDBError("cleanup expired sessions", err)
	}
	return tag.RowsAffected(), nil
}
