// Package dbtx lets several PostgreSQL stores share one *sql.Tx through the
// context, so a ledger transfer and the escrow write it pays for commit or
// roll back together.
package dbtx

import (
	"context"
	"database/sql"
	"fmt"
)

type ctxKey struct{}

// Querier is the subset of *sql.DB and *sql.Tx the stores use.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx returns a context carrying tx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// FromContext returns the transaction carried by ctx, if any.
func FromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// Active reports whether ctx carries a transaction.
func Active(ctx context.Context) bool {
	_, ok := FromContext(ctx)
	return ok
}

// Q returns the transaction carried by ctx, or db when there is none.
func Q(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := FromContext(ctx); ok {
		return tx
	}
	return db
}

// Run calls fn inside a transaction. When ctx already carries one, fn joins
// it and the outermost caller decides whether to commit.
func Run(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if tx, ok := FromContext(ctx); ok {
		return fn(ctx, tx)
	}

	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Unit runs a block of store calls as one database transaction. It
// satisfies txlog.Atomic.
type Unit struct {
	db *sql.DB
}

// NewUnit creates a Unit over db.
func NewUnit(db *sql.DB) *Unit {
	return &Unit{db: db}
}

// Atomically runs fn in a fresh transaction and commits only if fn returns
// nil. fn's error is returned unwrapped.
func (u *Unit) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	return Run(ctx, u.db, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(ctx context.Context, _ *sql.Tx) error {
		return fn(ctx)
	})
}
