package domain

import "github.com/google/uuid"

type SettlementStatus string

const (
	SettlementStatusSettled  SettlementStatus = "settled"
	SettlementStatusDeclined SettlementStatus = "declined"
)

type DeclineReason string

const DeclineReasonInsufficientFunds DeclineReason = "insufficient_funds"

// Settlement is the outcome of a charge, credit, or reversal. The order
// processor consumes it as an explicit return value and drives order state
// itself; the engine performs no fulfillment side effects.
//
// TransactionID and NewBalance are set only when Status is settled. Replayed
// marks a result served from a previously recorded transaction (a duplicate
// order ref, or a repeated reversal of the same transaction).
type Settlement struct {
	Status        SettlementStatus
	Reason        DeclineReason
	TransactionID uuid.UUID
	NewBalance    int64
	Replayed      bool
}
