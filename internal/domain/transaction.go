package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionStatusApplied  TransactionStatus = "applied"
	TransactionStatusReversed TransactionStatus = "reversed"
)

// Transaction is one append-only ledger record. Amount is signed: negative
// for debits, positive for credits. ResultingBalance is the account balance
// immediately after the record was applied, so for every account the sum of
// amounts in timestamp order equals its current balance.
//
// Records are immutable except for the applied -> reversed status
// transition; a reversal appends a compensating credit carrying
// ReversesTransactionID rather than editing the original.
type Transaction struct {
	TransactionID         uuid.UUID
	AccountID             string
	Amount                int64
	OrderRef              string
	ResultingBalance      int64
	Status                TransactionStatus
	ReversesTransactionID *uuid.UUID
	CreatedAt             time.Time
}

func (t *Transaction) IsDebit() bool { return t.Amount < 0 }

func (t *Transaction) IsCredit() bool { return t.Amount > 0 }
