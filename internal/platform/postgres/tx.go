package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const defaultTxAttempts = 3

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txState struct {
	tx        *sql.Tx
	savepoint atomic.Int64
}

type txContextKey struct{}

// Conn returns the transaction bound to ctx, or the pool when none is open.
func (p *Provider) Conn(ctx context.Context) Querier {
	if state, ok := ctx.Value(txContextKey{}).(*txState); ok {
		return state.tx
	}
	return p.db
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txContextKey{}).(*txState)
	return ok
}

// RunInTx executes fn inside a transaction. Serialization failures and deadlocks
// are retried. When ctx already carries a transaction, fn runs inside a SAVEPOINT
// that is rolled back on error without aborting the outer transaction.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if p.closed.Load() {
		return ErrProviderClosed
	}
	if state, ok := ctx.Value(txContextKey{}).(*txState); ok {
		return runInSavepoint(ctx, state, fn)
	}

	if p.txTimeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > p.txTimeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.txTimeout)
			defer cancel()
		}
	}

	var err error
	for attempt := 1; attempt <= defaultTxAttempts; attempt++ {
		err = p.runOnce(ctx, fn)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return err
}

func (p *Provider) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapError("transaction.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txContextKey{}, &txState{tx: tx})); err != nil {
		return err
	}
	return WrapError("transaction.commit", tx.Commit())
}

func runInSavepoint(ctx context.Context, state *txState, fn func(ctx context.Context) error) error {
	name := fmt.Sprintf("sp_%d", state.savepoint.Add(1))
	if _, err := state.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return WrapError("transaction.savepoint", err)
	}
	if err := fn(ctx); err != nil {
		if _, rbErr := state.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, WrapError("transaction.rollback_savepoint", rbErr))
		}
		return err
	}
	if _, err := state.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return WrapError("transaction.release_savepoint", err)
	}
	return nil
}
