package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// Transaction is the statement surface available inside WithTx
type Transaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)

	// ID returns the transaction identifier used in logs
	ID() string
}

type managedTx struct {
	*sqlx.Tx
	id string
}

func (t *managedTx) ID() string { return t.id }

// WithTx runs fn inside a READ COMMITTED transaction: commit on clean
// return, rollback on error or panic (the panic is re-raised).
func (m *Manager) WithTx(ctx context.Context, fn func(tx Transaction) error) error {
	return m.WithTxOptions(ctx, nil, fn)
}

// WithTxOptions is WithTx with explicit transaction options
func (m *Manager) WithTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(tx Transaction) error) error {
	ctx, span := observability.StartSpan(ctx, "Database.WithTx")
	defer span.End()

	db := m.DB()
	if db == nil {
		return apperrors.ServiceUnavailable("database not connected")
	}
	if opts == nil {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		m.metrics.IncrementCounter("database_transactions_failed", 1)
		return ClassifyError(err, "BEGIN")
	}
	mtx := &managedTx{Tx: tx, id: uuid.NewString()}

	m.trackTx(1)
	m.metrics.IncrementCounter("database_transactions_started", 1)
	m.logger.Debug("transaction started", map[string]interface{}{
		"transaction_id": mtx.id,
		"isolation":      opts.Isolation.String(),
		"read_only":      opts.ReadOnly,
	})

	defer m.trackTx(-1)
	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				m.logger.Error("failed to rollback transaction after panic", map[string]interface{}{
					"transaction_id": mtx.id,
					"error":          rbErr.Error(),
				})
			}
			panic(r)
		}
	}()

	if err := fn(mtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			m.logger.Error("failed to rollback transaction", map[string]interface{}{
				"transaction_id": mtx.id,
				"error":          rbErr.Error(),
				"cause":          err.Error(),
			})
			m.metrics.IncrementCounter("database_transactions_failed", 1)
			return errors.Wrap(err, "transaction failed and rollback failed")
		}
		m.metrics.IncrementCounter("database_transactions_rolled_back", 1)
		return err
	}

	if err := tx.Commit(); err != nil {
		m.metrics.IncrementCounter("database_transactions_failed", 1)
		return ClassifyError(err, "COMMIT")
	}
	m.metrics.IncrementCounter("database_transactions_committed", 1)
	return nil
}

func (m *Manager) trackTx(delta int) {
	m.statsMu.Lock()
	m.activeTx += delta
	active := m.activeTx
	m.statsMu.Unlock()
	m.metrics.RecordGauge("database_active_transactions", float64(active), nil)
}
