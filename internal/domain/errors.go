package domain

import "errors"

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrMissingOrderRef     = errors.New("order ref is required")
	ErrMissingAccountID    = errors.New("account id is required")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConflict            = errors.New("optimistic lock conflict")
	ErrTimeout             = errors.New("account lock wait timed out")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
	ErrNotReversible       = errors.New("only applied debits can be reversed")
	ErrDuplicateOrderRef   = errors.New("order ref already charged")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)
