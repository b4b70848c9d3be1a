// Package dbtx provides the unit of work shared by every store.
//
// A service opens a unit with Runner.InTx; stores called with the context it
// hands to fn join that unit. With PostgreSQL the unit is one *sql.Tx. With
// the in-memory backend units are serialized by a mutex and every store write
// registers an undo closure that runs if fn fails.
package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

// Querier is the subset of *sql.DB and *sql.Tx used by stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Runner executes fn as one atomic unit of work. If ctx already carries a
// unit, fn joins it instead of opening a new one.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type (
	txKey      struct{}
	hooksKey   struct{}
	journalKey struct{}
)

// InUnit reports whether ctx is inside a unit of work.
func InUnit(ctx context.Context) bool {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return true
	}
	_, ok := ctx.Value(journalKey{}).(*journal)
	return ok
}

// -----------------------------------------------------------------------------
// PostgreSQL
// -----------------------------------------------------------------------------

// PostgresRunner opens READ COMMITTED transactions. Correctness under
// concurrency comes from conditional UPDATEs and unique constraints, which
// take row locks and re-check their predicates after waiting.
type PostgresRunner struct {
	db *sql.DB
}

// NewPostgresRunner creates a runner over db.
func NewPostgresRunner(db *sql.DB) *PostgresRunner {
	return &PostgresRunner{db: db}
}

func (r *PostgresRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InUnit(ctx) {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	h := &hooks{}
	if err := fn(context.WithValue(context.WithValue(ctx, txKey{}, tx), hooksKey{}, h)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	h.run()
	return nil
}

// Q returns the transaction bound to ctx, or db when there is none.
func Q(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	return hasCode(err, pgerrcode.UniqueViolation)
}

// IsCheckViolation reports whether err is a PostgreSQL check_violation.
func IsCheckViolation(err error) bool {
	return hasCode(err, pgerrcode.CheckViolation)
}

func hasCode(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}

// -----------------------------------------------------------------------------
// In-memory
// -----------------------------------------------------------------------------

// MemoryRunner serializes units of work for the in-memory stores.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates an in-memory runner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

func (r *MemoryRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InUnit(ctx) {
		return fn(ctx)
	}

	j := &journal{}
	if err := r.run(ctx, j, fn); err != nil {
		return err
	}
	j.commits.run()
	return nil
}

func (r *MemoryRunner) run(ctx context.Context, j *journal, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			j.rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		j.rollback()
		return err
	}
	return nil
}

// OnRollback registers undo to run if the enclosing memory unit fails.
// Outside a memory unit it does nothing.
func OnRollback(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.undos = append(j.undos, undo)
	}
}

// AfterCommit registers fn to run once the enclosing unit commits. It is
// dropped if the unit rolls back. Outside a unit fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.commits.fns = append(j.commits.fns, fn)
		return
	}
	fn()
}

type hooks struct {
	fns []func()
}

func (h *hooks) run() {
	for _, fn := range h.fns {
		fn()
	}
}

type journal struct {
	undos   []func()
	commits hooks
}

func (j *journal) rollback() {
	for i := len(j.undos) - 1; i >= 0; i-- {
		j.undos[i]()
	}
	j.undos = nil
	j.commits.fns = nil
}
