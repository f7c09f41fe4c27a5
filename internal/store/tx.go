package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx is the unit of work for one page write.
//
// Every derived-store mutation for the write runs through the Tx. Side
// effects outside the database (page files) register an undo with
// [Tx.OnRollback]; work that must only happen once the write is durable
// registers with [Tx.AfterCommit].
type Tx struct {
	*conn

	tx          *sql.Tx
	onRollback  []func()
	afterCommit []func()
	closed      bool
}

// Begin starts a unit of work.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	if db == nil || db.closed.Load() {
		return nil, ErrClosed
	}

	sqlTx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", db.dialect.driver, err)
	}

	return &Tx{
		conn: &conn{raw: sqlTx, dialect: db.dialect},
		tx:   sqlTx,
	}, nil
}

// OnRollback registers fn to run if the Tx rolls back or fails to commit.
// Undo functions run in reverse registration order.
func (tx *Tx) OnRollback(fn func()) {
	tx.onRollback = append(tx.onRollback, fn)
}

// AfterCommit registers fn to run after a successful commit.
func (tx *Tx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

// Commit makes the unit of work durable. On failure undo functions run and
// the Tx is closed.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errors.New("transaction closed")
	}

	tx.closed = true

	err := tx.tx.Commit()
	if err != nil {
		tx.undo()

		return fmt.Errorf("commit: %w", err)
	}

	for _, fn := range tx.afterCommit {
		fn()
	}

	return nil
}

// Rollback discards the unit of work and runs undo functions.
// Idempotent; a no-op after Commit.
func (tx *Tx) Rollback() error {
	if tx.closed {
		return nil
	}

	tx.closed = true

	err := tx.tx.Rollback()

	tx.undo()

	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}

	return nil
}

func (tx *Tx) undo() {
	for i := len(tx.onRollback) - 1; i >= 0; i-- {
		tx.onRollback[i]()
	}

	tx.onRollback = nil
}

// WithTx runs fn inside a unit of work, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	err = fn(tx)
	if err != nil {
		return err
	}

	committed = true

	return tx.Commit()
}
