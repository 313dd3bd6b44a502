package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
)

func TestWithTxCommit(t *testing.T) {
	m, mock := setupManager(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE restaurants SET hechsher").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := m.WithTx(context.Background(), func(tx Transaction) error {
		_, err := tx.ExecContext(context.Background(),
			"UPDATE restaurants SET hechsher = 'badatz' WHERE id = 'r1'")
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollbackOnError(t *testing.T) {
	m, mock := setupManager(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE restaurants").
		WillReturnError(errors.New("column does not exist"))
	mock.ExpectRollback()

	sentinel := errors.New("column does not exist")
	err := m.WithTx(context.Background(), func(tx Transaction) error {
		if _, execErr := tx.ExecContext(context.Background(),
			"UPDATE restaurants SET nope = 1"); execErr != nil {
			return sentinel
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel, "caller errors propagate untouched")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollbackOnPanic(t *testing.T) {
	m, mock := setupManager(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = m.WithTx(context.Background(), func(tx Transaction) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxBeginFailure(t *testing.T) {
	m, mock := setupManager(t)

	mock.ExpectBegin().WillReturnError(errors.New("begin failed"))

	err := m.WithTx(context.Background(), func(tx Transaction) error {
		t.Fatal("fn must not run when begin fails")
		return nil
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInternal))
}

func TestWithTxCommitFailure(t *testing.T) {
	m, mock := setupManager(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	err := m.WithTx(context.Background(), func(tx Transaction) error {
		return nil
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInternal))
}

func TestWithTxNotConnected(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	err := m.WithTx(context.Background(), func(tx Transaction) error { return nil })
	assert.True(t, apperrors.IsKind(err, apperrors.KindServiceUnavailable))
}

func TestWithTxQueryThroughSession(t *testing.T) {
	m, mock := setupManager(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sid FROM auth_sessions").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"sid"}).AddRow("s1"))
	mock.ExpectCommit()

	var sid string
	err := m.WithTx(context.Background(), func(tx Transaction) error {
		return tx.GetContext(context.Background(), &sid,
			"SELECT sid FROM auth_sessions WHERE sid = $1 FOR UPDATE", "s1")
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", sid)
	assert.NoError(t, mock.ExpectationsWereMet())
}
