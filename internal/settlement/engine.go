package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/walletcore/ledger/internal/domain"
	"github.com/walletcore/ledger/internal/logging"
)

// Store is the ledger the engine settles against. Finder methods return
// (nil, nil) when no record matches.
type Store interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	AtomicDebit(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Transaction, error)
	Credit(ctx context.Context, accountID string, amount int64, orderRef string, reverses *uuid.UUID) (*domain.Transaction, error)
	ReverseTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindDebitByOrderRef(ctx context.Context, orderRef string) (*domain.Transaction, error)
	FindCreditByOrderRef(ctx context.Context, orderRef string) (*domain.Transaction, error)
	FindReversal(ctx context.Context, originalID uuid.UUID) (*domain.Transaction, error)
}

type Config struct {
	// MaxDebitRetries bounds internal retries on optimistic-lock conflicts.
	MaxDebitRetries int
	// RetryBackoff is the initial delay between retries; it doubles per
	// attempt.
	RetryBackoff time.Duration
}

// Engine orchestrates charges, credits, and reversals against the ledger
// store. Insufficient funds is a business decline reported in the
// Settlement, never an error; errors are system failures the caller may
// retry using the same order ref.
type Engine struct {
	store      Store
	maxRetries int
	backoff    time.Duration
}

func NewEngine(store Store, cfg Config) *Engine {
	if cfg.MaxDebitRetries <= 0 {
		cfg.MaxDebitRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 25 * time.Millisecond
	}
	return &Engine{
		store:      store,
		maxRetries: cfg.MaxDebitRetries,
		backoff:    cfg.RetryBackoff,
	}
}

// Charge attempts to debit amount from the account. A prior applied debit
// for the same order ref replays its recorded result instead of debiting
// again, so order-processor retries after ambiguous failures are safe.
func (e *Engine) Charge(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Settlement, error) {
	log := logging.FromContext(ctx)

	if err := validate(accountID, amount, orderRef); err != nil {
		return nil, fmt.Errorf("Charge: %w", err)
	}

	prior, err := e.store.FindDebitByOrderRef(ctx, orderRef)
	if err != nil {
		return nil, fmt.Errorf("Charge: idempotency lookup: %w", err)
	}
	if prior != nil {
		log.Info("charge replayed", "order_ref", orderRef, "transaction_id", prior.TransactionID)
		return replayed(prior), nil
	}

	var t *domain.Transaction
	err = e.withRetry(ctx, func() error {
		var err error
		t, err = e.store.AtomicDebit(ctx, accountID, amount, orderRef)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInsufficientFunds):
		log.Info("charge declined",
			"account_id", accountID,
			"amount", amount,
			"order_ref", orderRef,
		)
		return &domain.Settlement{
			Status: domain.SettlementStatusDeclined,
			Reason: domain.DeclineReasonInsufficientFunds,
		}, nil
	case errors.Is(err, domain.ErrDuplicateOrderRef):
		// Lost a race with a concurrent charge for the same order ref.
		prior, lookupErr := e.store.FindDebitByOrderRef(ctx, orderRef)
		if lookupErr != nil || prior == nil {
			return nil, fmt.Errorf("Charge: %w", err)
		}
		log.Info("charge replayed", "order_ref", orderRef, "transaction_id", prior.TransactionID)
		return replayed(prior), nil
	default:
		return nil, fmt.Errorf("Charge: %w", err)
	}

	log.Info("charge settled",
		"account_id", accountID,
		"amount", amount,
		"order_ref", orderRef,
		"transaction_id", t.TransactionID,
		"new_balance", t.ResultingBalance,
	)
	return settled(t, false), nil
}

// Credit adds amount to the account's balance. Credits have no sufficiency
// constraint and are idempotent on order ref like charges. Manual balance
// adjustments go through here so the transaction-log invariant holds.
func (e *Engine) Credit(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Settlement, error) {
	log := logging.FromContext(ctx)

	if err := validate(accountID, amount, orderRef); err != nil {
		return nil, fmt.Errorf("Credit: %w", err)
	}

	prior, err := e.store.FindCreditByOrderRef(ctx, orderRef)
	if err != nil {
		return nil, fmt.Errorf("Credit: idempotency lookup: %w", err)
	}
	if prior != nil {
		log.Info("credit replayed", "order_ref", orderRef, "transaction_id", prior.TransactionID)
		return replayed(prior), nil
	}

	var t *domain.Transaction
	err = e.withRetry(ctx, func() error {
		var err error
		t, err = e.store.Credit(ctx, accountID, amount, orderRef, nil)
		return err
	})
	if errors.Is(err, domain.ErrDuplicateOrderRef) {
		// Lost a race with a concurrent credit for the same order ref.
		prior, lookupErr := e.store.FindCreditByOrderRef(ctx, orderRef)
		if lookupErr != nil || prior == nil {
			return nil, fmt.Errorf("Credit: %w", err)
		}
		log.Info("credit replayed", "order_ref", orderRef, "transaction_id", prior.TransactionID)
		return replayed(prior), nil
	}
	if err != nil {
		return nil, fmt.Errorf("Credit: %w", err)
	}

	log.Info("credit settled",
		"account_id", accountID,
		"amount", amount,
		"order_ref", orderRef,
		"transaction_id", t.TransactionID,
		"new_balance", t.ResultingBalance,
	)
	return settled(t, false), nil
}

// Reverse refunds an applied debit by appending a compensating credit and
// marking the original reversed. Repeated reversals of the same transaction
// replay the first result.
func (e *Engine) Reverse(ctx context.Context, transactionID uuid.UUID) (*domain.Settlement, error) {
	log := logging.FromContext(ctx)

	original, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}
	if !original.IsDebit() {
		return nil, fmt.Errorf("Reverse: %w", domain.ErrNotReversible)
	}
	if original.Status == domain.TransactionStatusReversed {
		return e.replayReversal(ctx, transactionID)
	}

	var compensating *domain.Transaction
	err = e.withRetry(ctx, func() error {
		var err error
		compensating, err = e.store.ReverseTransaction(ctx, transactionID)
		return err
	})
	if errors.Is(err, domain.ErrAlreadyReversed) {
		return e.replayReversal(ctx, transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	log.Info("charge reversed",
		"transaction_id", transactionID,
		"reversal_transaction_id", compensating.TransactionID,
		"new_balance", compensating.ResultingBalance,
	)
	return settled(compensating, false), nil
}

func (e *Engine) replayReversal(ctx context.Context, originalID uuid.UUID) (*domain.Settlement, error) {
	compensating, err := e.store.FindReversal(ctx, originalID)
	if err != nil {
		return nil, fmt.Errorf("Reverse: replay lookup: %w", err)
	}
	if compensating == nil {
		return nil, fmt.Errorf("Reverse: reversal record missing: %w", domain.ErrTransactionNotFound)
	}
	logging.FromContext(ctx).Info("reversal replayed",
		"transaction_id", originalID,
		"reversal_transaction_id", compensating.TransactionID,
	)
	return replayed(compensating), nil
}

// withRetry re-runs op on optimistic-lock conflicts with doubling backoff.
// Timeouts and business declines pass through untouched.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	backoff := e.backoff
	var err error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = op(); !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	return err
}

func validate(accountID string, amount int64, orderRef string) error {
	if accountID == "" {
		return domain.ErrMissingAccountID
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if orderRef == "" {
		return domain.ErrMissingOrderRef
	}
	return nil
}

func settled(t *domain.Transaction, replay bool) *domain.Settlement {
	return &domain.Settlement{
		Status:        domain.SettlementStatusSettled,
		TransactionID: t.TransactionID,
		NewBalance:    t.ResultingBalance,
		Replayed:      replay,
	}
}

func replayed(t *domain.Transaction) *domain.Settlement {
	return settled(t, true)
}
