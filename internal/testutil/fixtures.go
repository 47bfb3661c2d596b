package testutil

import (
	"database/sql"
	"testing"
)

// SeedAccount creates an account with an opening balance, bypassing the
// engine so tests can start from an arbitrary ledger state.
func SeedAccount(t *testing.T, db *sql.DB, accountID string, balance int64) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO accounts (account_id, balance, version)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (account_id) DO UPDATE SET balance = EXCLUDED.balance`,
		accountID, balance,
	)
	if err != nil {
		t.Fatalf("seed account %s: %v", accountID, err)
	}
}

func GetBalance(t *testing.T, db *sql.DB, accountID string) int64 {
	t.Helper()

	var balance int64
	err := db.QueryRow(`SELECT balance FROM accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if err != nil {
		t.Fatalf("get balance %s: %v", accountID, err)
	}
	return balance
}

func CountTransactions(t *testing.T, db *sql.DB, accountID string) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE account_id = $1`, accountID).Scan(&count)
	if err != nil {
		t.Fatalf("count transactions %s: %v", accountID, err)
	}
	return count
}

// SumTransactions returns the signed sum of all recorded movements for an
// account. With a zero opening balance it must equal the account balance.
func SumTransactions(t *testing.T, db *sql.DB, accountID string) int64 {
	t.Helper()

	var sum int64
	err := db.QueryRow(
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1`,
		accountID,
	).Scan(&sum)
	if err != nil {
		t.Fatalf("sum transactions %s: %v", accountID, err)
	}
	return sum
}
