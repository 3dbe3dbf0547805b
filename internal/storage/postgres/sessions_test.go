package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archilabs/archi/internal/storage"
)

func TestNewSessionTokenIsRandom(t *testing.T) {
	a, err := newSessionToken()
	require.NoError(t, err)
	b, err := newSessionToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestValidateUnknownToken(t *testing.T) {
	sessions := newTestStore(&fakeDB{}).sessions
	_, err := sessions.Validate(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrAuthentication)
}

func TestValidateExpiredSessionDeletesIt(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM sessions WHERE token", []any{"user-1", time.Now().Add(-time.Hour)})
	sessions := newTestStore(db).sessions

	_, err := sessions.Validate(context.Background(), "stale")
	assert.ErrorIs(t, err, storage.ErrAuthentication)
	assert.Len(t, db.calls("DELETE FROM sessions WHERE token"), 1)
}

func TestValidateReturnsSessionUser(t *testing.T) {
	db := &fakeDB{}
	db.on("FROM sessions WHERE token", []any{"user-1", time.Now().Add(time.Hour)})
	db.on("FROM users WHERE id", userRow("user-1"))
	sessions := newTestStore(db).sessions

	u, err := sessions.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
}

func TestCleanupExpired(t *testing.T) {
	db := &fakeDB{}
	db.onTag("DELETE FROM sessions WHERE expires_at", "DELETE 3")
	sessions := newTestStore(db).sessions

	n, err := sessions.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
