package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/walletcore/ledger/internal/domain"
)

const transactionColumns = `transaction_id, account_id, amount, order_ref,
	resulting_balance, status, reverses_transaction_id, created_at`

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore is the durable Ledger Store. Every mutation runs in one
// database transaction: the account row is taken FOR UPDATE, the balance is
// re-read inside the critical section, and the balance write plus the
// transaction-log append commit together or not at all. The version column
// is a compare-and-swap guard on top of the row lock.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// GetBalance returns the current balance, creating the account with a zero
// balance if it does not exist yet.
func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if err := ensureAccount(ctx, s.db, accountID); err != nil {
		return 0, fmt.Errorf("GetBalance: %w", translateErr(err))
	}

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE account_id = $1`, accountID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("GetBalance: %w", translateErr(err))
	}
	return balance, nil
}

// AtomicDebit decrements the balance by amount (positive, minor units) and
// appends the debit record. It returns ErrInsufficientFunds without any
// state change when the balance cannot cover the amount.
func (s *PostgresStore) AtomicDebit(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Transaction, error) {
	t, err := s.apply(ctx, accountID, -amount, orderRef, nil)
	if err != nil {
		return nil, fmt.Errorf("AtomicDebit: %w", err)
	}
	return t, nil
}

// Credit increments the balance by amount (positive, minor units). Credits
// have no sufficiency constraint. reverses ties a compensating credit to the
// debit it reverses and is nil for ordinary credits.
func (s *PostgresStore) Credit(ctx context.Context, accountID string, amount int64, orderRef string, reverses *uuid.UUID) (*domain.Transaction, error) {
	t, err := s.apply(ctx, accountID, amount, orderRef, reverses)
	if err != nil {
		return nil, fmt.Errorf("Credit: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) apply(ctx context.Context, accountID string, amount int64, orderRef string, reverses *uuid.UUID) (*domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, translateErr(err)
	}
	defer tx.Rollback()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}
	if err := ensureAccount(ctx, tx, accountID); err != nil {
		return nil, translateErr(err)
	}

	var balance, version int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance, version FROM accounts WHERE account_id = $1 FOR UPDATE`, accountID,
	).Scan(&balance, &version)
	if err != nil {
		return nil, translateErr(err)
	}

	newBalance := balance + amount
	if newBalance < 0 {
		return nil, domain.ErrInsufficientFunds
	}

	record := &domain.Transaction{
		TransactionID:         uuid.New(),
		AccountID:             accountID,
		Amount:                amount,
		OrderRef:              orderRef,
		ResultingBalance:      newBalance,
		Status:                domain.TransactionStatusApplied,
		ReversesTransactionID: reverses,
		CreatedAt:             time.Now().UTC(),
	}

	if err := insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := updateBalance(ctx, tx, accountID, newBalance, version+1); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, translateErr(err)
	}
	return record, nil
}

// ReverseTransaction appends a compensating credit for an applied debit and
// marks the original reversed, atomically. ErrAlreadyReversed signals that a
// reversal has already committed; the caller replays that result.
func (s *PostgresStore) ReverseTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ReverseTransaction: %w", translateErr(err))
	}
	defer tx.Rollback()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return nil, fmt.Errorf("ReverseTransaction: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1 FOR UPDATE`,
		transactionID,
	)
	original, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ReverseTransaction: %w", domain.ErrTransactionNotFound)
		}
		return nil, fmt.Errorf("ReverseTransaction: %w", translateErr(err))
	}

	if !original.IsDebit() {
		return nil, fmt.Errorf("ReverseTransaction: %w", domain.ErrNotReversible)
	}
	if original.Status == domain.TransactionStatusReversed {
		return nil, fmt.Errorf("ReverseTransaction: %w", domain.ErrAlreadyReversed)
	}

	var balance, version int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance, version FROM accounts WHERE account_id = $1 FOR UPDATE`, original.AccountID,
	).Scan(&balance, &version)
	if err != nil {
		return nil, fmt.Errorf("ReverseTransaction: %w", translateErr(err))
	}

	// original.Amount is negative, so this restores the debited amount.
	newBalance := balance - original.Amount

	compensating := &domain.Transaction{
		TransactionID:         uuid.New(),
		AccountID:             original.AccountID,
		Amount:                -original.Amount,
		OrderRef:              original.OrderRef,
		ResultingBalance:      newBalance,
		Status:                domain.TransactionStatusApplied,
		ReversesTransactionID: &original.TransactionID,
		CreatedAt:             time.Now().UTC(),
	}

	if err := insertTransaction(ctx, tx, compensating); err != nil {
		return nil, fmt.Errorf("ReverseTransaction: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1 WHERE transaction_id = $2 AND status = $3`,
		domain.TransactionStatusReversed, original.TransactionID, domain.TransactionStatusApplied,
	)
	if err != nil {
		return nil, fmt.Errorf("ReverseTransaction: %w", translateErr(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ReverseTransaction: rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("ReverseTransaction: %w", domain.ErrAlreadyReversed)
	}

	if err := updateBalance(ctx, tx, original.AccountID, newBalance, version+1); err != nil {
		return nil, fmt.Errorf("ReverseTransaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ReverseTransaction: %w", translateErr(err))
	}
	return compensating, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`, transactionID,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetTransaction: %w", domain.ErrTransactionNotFound)
		}
		return nil, fmt.Errorf("GetTransaction: %w", translateErr(err))
	}
	return t, nil
}

// FindDebitByOrderRef returns the debit recorded for an order ref, or nil
// when none exists. It is the idempotency lookup for Charge.
func (s *PostgresStore) FindDebitByOrderRef(ctx context.Context, orderRef string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE order_ref = $1 AND amount < 0`, orderRef,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("FindDebitByOrderRef: %w", translateErr(err))
	}
	return t, nil
}

// FindCreditByOrderRef returns the ordinary credit recorded for an order
// ref, or nil. Compensating credits are excluded: they reuse the order ref
// of the debit they reverse.
func (s *PostgresStore) FindCreditByOrderRef(ctx context.Context, orderRef string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE order_ref = $1 AND amount > 0 AND reverses_transaction_id IS NULL`, orderRef,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("FindCreditByOrderRef: %w", translateErr(err))
	}
	return t, nil
}

// FindReversal returns the compensating credit for a reversed transaction,
// or nil when the transaction has not been reversed.
func (s *PostgresStore) FindReversal(ctx context.Context, originalID uuid.UUID) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reverses_transaction_id = $1`, originalID,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("FindReversal: %w", translateErr(err))
	}
	return t, nil
}

// ListTransactions returns one page of an account's transactions in
// timestamp order along with the total count. The read is restartable: it
// re-queries committed state rather than holding a cursor open.
func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.Transaction, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE account_id = $1`, accountID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: count: %w", translateErr(err))
	}

	// LIMIT NULL reads the whole log; non-positive limits mean "no limit",
	// same as the in-memory store.
	var pageLimit any = limit
	if limit <= 0 {
		pageLimit = nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = $1 ORDER BY created_at, transaction_id LIMIT $2 OFFSET $3`,
		accountID, pageLimit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: %w", translateErr(err))
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListTransactions: scan: %w", err)
		}
		transactions = append(transactions, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ListTransactions: rows: %w", translateErr(err))
	}
	return transactions, total, nil
}

func (s *PostgresStore) setLockTimeout(ctx context.Context, tx *sql.Tx) error {
	// lock_timeout cannot be a bind parameter; the value is a config int.
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, s.lockTimeout.Milliseconds()))
	if err != nil {
		return translateErr(err)
	}
	return nil
}

func ensureAccount(ctx context.Context, e execer, accountID string) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO accounts (account_id, balance, version, created_at)
		VALUES ($1, 0, 0, now())
		ON CONFLICT (account_id) DO NOTHING`,
		accountID,
	)
	return err
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (
			transaction_id, account_id, amount, order_ref,
			resulting_balance, status, reverses_transaction_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.TransactionID, t.AccountID, t.Amount, t.OrderRef,
		t.ResultingBalance, t.Status, t.ReversesTransactionID, t.CreatedAt,
	)
	if err != nil {
		return translateErr(err)
	}
	return nil
}

func updateBalance(ctx context.Context, tx *sql.Tx, accountID string, newBalance, newVersion int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, version = $2 WHERE account_id = $3 AND version = $4`,
		newBalance, newVersion, accountID, newVersion-1,
	)
	if err != nil {
		return translateErr(err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updateBalance: rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrConflict
	}
	return nil
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var reverses uuid.NullUUID
	err := s.Scan(
		&t.TransactionID, &t.AccountID, &t.Amount, &t.OrderRef,
		&t.ResultingBalance, &t.Status, &reverses, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reverses.Valid {
		t.ReversesTransactionID = &reverses.UUID
	}
	return &t, nil
}

// translateErr maps driver errors onto the store's error taxonomy.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "55P03": // lock_not_available
			return domain.ErrTimeout
		case pqErr.Code == "40001" || pqErr.Code == "40P01": // serialization, deadlock
			return domain.ErrConflict
		case pqErr.Code == "23505" &&
			(pqErr.Constraint == "transactions_debit_order_ref_key" ||
				pqErr.Constraint == "transactions_credit_order_ref_key"):
			return domain.ErrDuplicateOrderRef
		case pqErr.Code.Class() == "08": // connection errors
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}
