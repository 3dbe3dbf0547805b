package postgres

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB is a scriptable DB implementation. Tests route statements by SQL
// substring; unmatched statements succeed with an empty result so incidental
// writes (audit rows, checkpoints) do not need routes unless asserted on.
type fakeDB struct {
	routes []fakeRoute

	executed   []executedStmt
	begun      int
	committed  int
	rolledBack int
}

type fakeRoute struct {
	match string
	rows  [][]any
	seq   bool // each QueryRow consumes one row
	tag   pgconn.CommandTag
	err   error
}

type executedStmt struct {
	sql  string
	args []any
}

// on registers rows to return for statements containing match.
func (f *fakeDB) on(match string, rows ...[]any) *fakeDB {
	f.routes = append(f.routes, fakeRoute{match: match, rows: rows})
	return f
}

// onSeq registers rows handed out one per QueryRow call, in order.
func (f *fakeDB) onSeq(match string, rows ...[]any) *fakeDB {
	f.routes = append(f.routes, fakeRoute{match: match, rows: rows, seq: true})
	return f
}

// onTag registers a command tag (e.g. "UPDATE 1") for statements containing
// match.
func (f *fakeDB) onTag(match, tag string) *fakeDB {
	f.routes = append(f.routes, fakeRoute{match: match, tag: pgconn.NewCommandTag(tag)})
	return f
}

// onErr makes statements containing match fail.
func (f *fakeDB) onErr(match string, err error) *fakeDB {
	f.routes = append(f.routes, fakeRoute{match: match, err: err})
	return f
}

func (f *fakeDB) find(sql string) *fakeRoute {
	for i := range f.routes {
		if strings.Contains(sql, f.routes[i].match) {
			return &f.routes[i]
		}
	}
	return nil
}

// calls returns the executed statements containing the given fragment.
func (f *fakeDB) calls(fragment string) []executedStmt {
	var out []executedStmt
	for _, e := range f.executed {
		if strings.Contains(e.sql, fragment) {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.executed = append(f.executed, executedStmt{sql: sql, args: args})
	if r := f.find(sql); r != nil {
		return r.tag, r.err
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.executed = append(f.executed, executedStmt{sql: sql, args: args})
	if r := f.find(sql); r != nil {
		if r.err != nil {
			return nil, r.err
		}
		return &fakeRows{rows: r.rows, pos: -1}, nil
	}
	return &fakeRows{pos: -1}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.executed = append(f.executed, executedStmt{sql: sql, args: args})
	if r := f.find(sql); r != nil {
		if r.err != nil {
			return &fakeRow{err: r.err}
		}
		if len(r.rows) == 0 {
			return &fakeRow{err: pgx.ErrNoRows}
		}
		row := &fakeRow{values: r.rows[0]}
		if r.seq && len(r.rows) > 1 {
			r.rows = r.rows[1:]
		}
		return row
	}
	return &fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	f.begun++
	return &fakeTx{db: f}, nil
}

// fakeRow implements pgx.Row over one value slice.
type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

// fakeRows implements pgx.Rows over a static result set.
type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}
func (r *fakeRows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return fmt.Errorf("scan without Next")
	}
	return scanInto(r.rows[r.pos], dest)
}
func (r *fakeRows) Values() ([]any, error)  { return r.rows[r.pos], nil }
func (r *fakeRows) RawValues() [][]byte     { return nil }
func (r *fakeRows) Conn() *pgx.Conn         { return nil }

// scanInto assigns source values into scan destinations, converting between
// compatible kinds the way pgx would for the types these tests use.
func scanInto(src []any, dest []any) error {
	if len(src) != len(dest) {
		return fmt.Errorf("scan: %d values into %d destinations", len(src), len(dest))
	}
	for i, d := range dest {
		if err := assignValue(d, src[i]); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

func assignValue(dst, src any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("destination is not a pointer")
	}
	elem := dv.Elem()
	if src == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(elem.Type()) {
		elem.Set(sv)
		return nil
	}
	crossStringBytes := (sv.Kind() == reflect.String && elem.Kind() == reflect.Slice) ||
		(sv.Kind() == reflect.Slice && elem.Kind() == reflect.String)
	if sv.Type().ConvertibleTo(elem.Type()) && !crossStringBytes {
		elem.Set(sv.Convert(elem.Type()))
		return nil
	}
	// Value into pointer destination (*T <- T).
	if elem.Kind() == reflect.Ptr {
		p := reflect.New(elem.Type().Elem())
		if err := assignValue(p.Interface(), src); err != nil {
			return err
		}
		elem.Set(p)
		return nil
	}
	return fmt.Errorf("cannot assign %T into %s", src, elem.Type())
}

// fakeTx implements pgx.Tx by delegating statements to the fakeDB and
// counting commit/rollback calls. Batch and copy paths are unused.
type fakeTx struct {
	db *fakeDB
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(context.Context) error {
	t.db.committed++
	return nil
}
func (t *fakeTx) Rollback(context.Context) error {
	t.db.rolledBack++
	return nil
}
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, fmt.Errorf("not implemented")
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, fmt.Errorf("not implemented")
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

// newTestStore wires a store over a fakeDB with sane test configuration.
func newTestStore(db *fakeDB) *Store {
	return NewWithDB(db, Config{
		EncryptionKey:       "test-key",
		Collection:          "default",
		EmbeddingDimensions: 3,
	})
}
