package domain

import "time"

// Account holds one party's wallet balance in minor currency units.
// Balance is never negative. Version increments on every mutation and is
// the optimistic concurrency token for balance writes.
//
// Accounts are created lazily on first reference with a zero balance and
// are never deleted.
type Account struct {
	AccountID string
	Balance   int64
	Version   int64
	CreatedAt time.Time
}
