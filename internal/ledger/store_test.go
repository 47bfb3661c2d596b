package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletcore/ledger/internal/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, 3*time.Second), mock
}

func expectApplyPrologue(mock sqlmock.Sqlmock, accountID string, balance, version int64) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL lock_timeout = '3000ms'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO accounts`)).
		WithArgs(accountID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance, version FROM accounts WHERE account_id = $1 FOR UPDATE`)).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "version"}).AddRow(balance, version))
}

func TestPostgresStore_AtomicDebit(t *testing.T) {
	store, mock := newMockStore(t)

	expectApplyPrologue(mock, "acct-1", 1000, 4)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions`)).
		WithArgs(sqlmock.AnyArg(), "acct-1", int64(-300), "order-1", int64(700),
			domain.TransactionStatusApplied, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET balance = $1, version = $2 WHERE account_id = $3 AND version = $4`)).
		WithArgs(int64(700), int64(5), "acct-1", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	txn, err := store.AtomicDebit(context.Background(), "acct-1", 300, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-300), txn.Amount)
	assert.Equal(t, int64(700), txn.ResultingBalance)
	assert.Equal(t, domain.TransactionStatusApplied, txn.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AtomicDebit_InsufficientFunds(t *testing.T) {
	store, mock := newMockStore(t)

	expectApplyPrologue(mock, "acct-1", 100, 0)
	mock.ExpectRollback()

	_, err := store.AtomicDebit(context.Background(), "acct-1", 500, "order-1")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AtomicDebit_VersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	expectApplyPrologue(mock, "acct-1", 1000, 4)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET balance`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.AtomicDebit(context.Background(), "acct-1", 300, "order-1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AtomicDebit_DuplicateOrderRef(t *testing.T) {
	store, mock := newMockStore(t)

	expectApplyPrologue(mock, "acct-1", 1000, 0)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions`)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_debit_order_ref_key"})
	mock.ExpectRollback()

	_, err := store.AtomicDebit(context.Background(), "acct-1", 300, "order-1")
	require.ErrorIs(t, err, domain.ErrDuplicateOrderRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Credit_DuplicateOrderRef(t *testing.T) {
	store, mock := newMockStore(t)

	expectApplyPrologue(mock, "acct-1", 0, 0)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions`)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_credit_order_ref_key"})
	mock.ExpectRollback()

	_, err := store.Credit(context.Background(), "acct-1", 1000, "topup-1", nil)
	require.ErrorIs(t, err, domain.ErrDuplicateOrderRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AtomicDebit_LockTimeout(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL lock_timeout = '3000ms'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO accounts`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance, version FROM accounts`)).
		WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	_, err := store.AtomicDebit(context.Background(), "acct-1", 300, "order-1")
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBalance_LazyCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO accounts`)).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance FROM accounts WHERE account_id = $1`)).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))

	balance, err := store.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindDebitByOrderRef_NoRows(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM transactions WHERE order_ref = \$1 AND amount < 0`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

	txn, err := store.FindDebitByOrderRef(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Nil(t, txn)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTransactions_NoLimitReadsAll(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM transactions WHERE account_id = $1`)).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rows := sqlmock.NewRows([]string{
		"transaction_id", "account_id", "amount", "order_ref",
		"resulting_balance", "status", "reverses_transaction_id", "created_at",
	}).AddRow(uuid.New().String(), "acct-1", int64(500), "topup-1",
		int64(500), "applied", nil, time.Now().UTC())

	// Non-positive limit becomes LIMIT NULL, reading the whole log like the
	// in-memory store does.
	mock.ExpectQuery(`SELECT .+ FROM transactions\s+WHERE account_id = \$1 ORDER BY created_at, transaction_id LIMIT \$2 OFFSET \$3`).
		WithArgs("acct-1", nil, 0).
		WillReturnRows(rows)

	transactions, total, err := store.ListTransactions(context.Background(), "acct-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, transactions, 1)
	assert.Equal(t, "topup-1", transactions[0].OrderRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslateErr(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", context.DeadlineExceeded, domain.ErrTimeout},
		{"lock not available", &pq.Error{Code: "55P03"}, domain.ErrTimeout},
		{"serialization failure", &pq.Error{Code: "40001"}, domain.ErrConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, domain.ErrConflict},
		{"duplicate debit ref", &pq.Error{Code: "23505", Constraint: "transactions_debit_order_ref_key"}, domain.ErrDuplicateOrderRef},
		{"duplicate credit ref", &pq.Error{Code: "23505", Constraint: "transactions_credit_order_ref_key"}, domain.ErrDuplicateOrderRef},
		{"connection failure", &pq.Error{Code: "08006"}, domain.ErrStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, translateErr(tt.in), tt.want)
		})
	}
}
