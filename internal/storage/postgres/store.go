// Package postgres implements the storage services on PostgreSQL with the
// pgvector, pgcrypto and pg_trgm extensions, plus VectorChord-BM25 when
// installed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/telemetry"
	"github.com/archilabs/archi/internal/types"
)

// Querier is the subset of pgx execution methods the services use. It is
// satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx, and by the test fake.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB adds transaction support to Querier.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Config configures the store and its pool.
type Config struct {
	// DSN is a pgx connection string or URL.
	DSN string

	MinConns       int32         // default 5
	MaxConns       int32         // default 20
	AcquireTimeout time.Duration // default 30s; exhaustion beyond it fails with ErrPoolTimeout

	// EncryptionKey is the deployment BYOK key used by pgp_sym_encrypt/decrypt.
	// Empty disables API-key storage and retrieval.
	EncryptionKey string

	// Collection is the soft tenant label stamped into chunk metadata.
	Collection string

	// EmbeddingDimensions fixes the vector column width; it must match the
	// embedding model.
	EmbeddingDimensions int

	DistanceMetric types.DistanceMetric

	Embedder storage.EmbeddingFunc

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MinConns == 0 {
		c.MinConns = 5
	}
	if c.MaxConns == 0 {
		c.MaxConns = 20
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.DistanceMetric == "" {
		c.DistanceMetric = types.DistanceCosine
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store owns the connection pool and hands out the typed services.
type Store struct {
	pool *pgxpool.Pool
	db   DB
	cfg  Config
	log  *slog.Logger

	hasBM25 atomic.Bool
	closed  atomic.Bool

	users         *Users
	configs       *Configs
	catalog       *Catalog
	vectors       *Vectors
	selection     *Selection
	conversations *Conversations
	sessions      *Sessions
	auth          *AuthQueries
}

// New opens the pool, verifies connectivity (with exponential backoff, so a
// database still booting does not fail the deploy), and probes optional
// extensions.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	ping := func() error { return pool.Ping(ctx) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := newStore(pool, pool, cfg)
	if err := s.probeCapabilities(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB builds a store over an existing DB handle. Used by tests and by
// callers that manage their own pool.
func NewWithDB(db DB, cfg Config) *Store {
	cfg.applyDefaults()
	return newStore(nil, db, cfg)
}

func newStore(pool *pgxpool.Pool, db DB, cfg Config) *Store {
	s := &Store{pool: pool, db: db, cfg: cfg, log: cfg.Logger}
	s.users = &Users{store: s}
	s.configs = newConfigs(s)
	s.catalog = &Catalog{store: s}
	s.vectors = &Vectors{store: s}
	s.selection = &Selection{store: s}
	s.conversations = &Conversations{store: s}
	s.sessions = &Sessions{store: s}
	s.auth = &AuthQueries{store: s}
	return s
}

// probeCapabilities checks for optional operator classes once at startup.
// Consumers branch on the flag instead of catching per-query errors.
func (s *Store) probeCapabilities(ctx context.Context) error {
	var present bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_opclass WHERE opcname = 'bm25_ops')`,
	).Scan(&present)
	if err != nil {
		return fmt.Errorf("probe bm25 operator class: %w", err)
	}
	s.hasBM25.Store(present)
	if !present {
		s.log.Warn("bm25 operator class not installed; hybrid search will fall back to semantic-only")
	}
	return nil
}

// HasBM25 reports whether the BM25 operator class was present at startup.
func (s *Store) HasBM25() bool { return s.hasBM25.Load() }

// Acquire returns a scoped connection handle. Exhaustion beyond the acquire
// timeout yields ErrPoolTimeout; the HTTP layer translates it into a 503.
// pgxpool health-checks handles and re-establishes broken connections before
// yielding them.
func (s *Store) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if s.closed.Load() {
		return nil, storage.ErrPoolClosed
	}
	if s.pool == nil {
		return nil, storage.ErrPoolClosed
	}
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			telemetry.GetMetrics().RecordPoolTimeout(ctx)
			return nil, storage.ErrPoolTimeout
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// WithConn runs fn on a scoped connection that is released on all exit paths.
func (s *Store) WithConn(ctx context.Context, fn func(q Querier) error) error {
	conn, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// withTx runs fn inside a transaction with rollback on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is cancelled.
			_ = tx.Rollback(context.Background())
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return storage.ErrPoolClosed
	}
	return s.pool.Ping(ctx)
}

// Close shuts the pool down. Safe to call more than once.
func (s *Store) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Service accessors. Consumers hold the interfaces from the storage package.

func (s *Store) Users() storage.UserService                 { return s.users }
func (s *Store) Config() storage.ConfigService              { return s.configs }
func (s *Store) Catalog() storage.CatalogService            { return s.catalog }
func (s *Store) Vectors() storage.VectorService             { return s.vectors }
func (s *Store) Selection() storage.SelectionService        { return s.selection }
func (s *Store) Conversations() storage.ConversationService { return s.conversations }
func (s *Store) Sessions() storage.SessionService           { return s.sessions }
func (s *Store) Auth() storage.AuthStore                    { return s.auth }
