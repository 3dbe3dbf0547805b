// Package auth implements local and federated login on top of the storage
// layer. All credential failures surface as storage.ErrAuthentication with no
// further detail, so callers cannot distinguish unknown accounts from wrong
// passwords.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// Service runs the login flows. Construct with New.
type Service struct {
	store    storage.AuthStore
	users    storage.UserService
	sessions storage.SessionService
	lifetime time.Duration
	log      *slog.Logger
}

// New builds an auth service. lifetimeDays <= 0 falls back to 30 days.
func New(store storage.AuthStore, users storage.UserService, sessions storage.SessionService, lifetimeDays int, log *slog.Logger) *Service {
	if lifetimeDays <= 0 {
		lifetimeDays = 30
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		users:    users,
		sessions: sessions,
		lifetime: time.Duration(lifetimeDays) * 24 * time.Hour,
		log:      log,
	}
}

// Login verifies an email/password pair and opens a session.
func (s *Service) Login(ctx context.Context, email, password string) (*types.Session, *types.User, error) {
	userID, hash, err := s.store.CredentialsByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, storage.ErrAuthentication
		}
		return nil, nil, err
	}
	// Federated-only accounts have no hash and cannot log in locally.
	if hash == nil {
		return nil, nil, storage.ErrAuthentication
	}
	if bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)) != nil {
		return nil, nil, storage.ErrAuthentication
	}
	return s.openSession(ctx, userID)
}

// FederatedCallback handles a completed GitHub OAuth exchange. Accounts are
// pre-provisioned: a callback matches on the stored github id, or auto-links
// to an existing account with the same email, and is otherwise rejected.
func (s *Service) FederatedCallback(ctx context.Context, githubID, email string) (*types.Session, *types.User, error) {
	u, err := s.store.GetByGitHubID(ctx, githubID)
	switch {
	case err == nil:
		return s.openSession(ctx, u.ID)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, nil, err
	}

	if email == "" {
		return nil, nil, storage.ErrAuthentication
	}
	u, err = s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, storage.ErrAuthentication
		}
		return nil, nil, err
	}
	if err := s.store.LinkGitHubID(ctx, u.ID, githubID); err != nil {
		return nil, nil, err
	}
	s.log.Info("linked github identity", "user_id", u.ID)
	return s.openSession(ctx, u.ID)
}

func (s *Service) openSession(ctx context.Context, userID string) (*types.Session, *types.User, error) {
	if err := s.store.RecordLogin(ctx, userID); err != nil {
		return nil, nil, err
	}
	session, err := s.sessions.Create(ctx, userID, s.lifetime)
	if err != nil {
		return nil, nil, err
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return session, u, nil
}

// Validate resolves a session token to its user.
func (s *Service) Validate(ctx context.Context, token string) (*types.User, error) {
	return s.sessions.Validate(ctx, token)
}

// Logout deletes the session. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// CleanupExpired deletes expired sessions and returns the count removed.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.sessions.CleanupExpired(ctx)
}

// EnsureAdmin creates or promotes the admin account. An empty password leaves
// any existing hash untouched so redeploys do not rotate credentials.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (*types.User, error) {
	if email == "" {
		return nil, fmt.Errorf("ensure admin: email is required")
	}
	var hash *string
	if password != "" {
		raw, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		h := string(raw)
		hash = &h
	}
	return s.store.UpsertAdmin(ctx, email, hash)
}
