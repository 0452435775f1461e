// Package store persists sessions, field logs and documents with ent's SQL
// builder on top of database/sql. It works on PostgreSQL and SQLite.
package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"

	"formpulse/internal/db"
	"formpulse/internal/logx"
)

var storeLogger = logx.GetScope("store")

// ErrNotFound is returned when the referenced session does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is safe for concurrent use.
type Store struct {
	db      *stdsql.DB
	dialect string
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(d *db.DB, opts ...Option) *Store {
	s := &Store{db: d.SQL, dialect: d.Dialect, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) b() *sql.DialectBuilder { return sql.Dialect(s.dialect) }

// clock returns the current time at the precision both backends keep.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (stdsql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*stdsql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *stdsql.Row
}

type builder interface {
	Query() (string, []any)
}

func exec(ctx context.Context, q querier, b builder) (stdsql.Result, error) {
	query, args := b.Query()
	return q.ExecContext(ctx, query, args...)
}

func queryRow(ctx context.Context, q querier, b builder) *stdsql.Row {
	query, args := b.Query()
	return q.QueryRowContext(ctx, query, args...)
}

func query(ctx context.Context, q querier, b builder) (*stdsql.Rows, error) {
	query, args := b.Query()
	return q.QueryContext(ctx, query, args...)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *stdsql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			storeLogger.Sugar().Warnf("rollback: %v", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *Store) forUpdate(sel *sql.Selector) *sql.Selector {
	if s.dialect == dialect.Postgres {
		return sel.ForUpdate()
	}
	return sel
}

// jsonArg encodes v for a JSON column. Nil pointers and empty slices become NULL.
func jsonArg[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonSlice[T any](v []T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON[T any](raw []byte) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
