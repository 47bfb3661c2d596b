package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walletcore/ledger/internal/domain"
)

// MemoryStore keeps the ledger in process memory with the same semantics as
// PostgresStore: per-account serialization, append-only records, and balance
// plus log committed together. It backs tests and single-process embeddings.
//
// Each account carries its own lock so operations on different accounts run
// fully in parallel; mu only guards map access and record visibility.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*memAccount
	transactions map[uuid.UUID]*domain.Transaction
	byAccount    map[string][]uuid.UUID
	debitRefs    map[string]uuid.UUID
	creditRefs   map[string]uuid.UUID
	reversals    map[uuid.UUID]uuid.UUID
	lockTimeout  time.Duration
}

type memAccount struct {
	lock    chan struct{} // capacity 1; holding a token owns the critical section
	balance int64
	version int64
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &MemoryStore{
		accounts:     make(map[string]*memAccount),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		byAccount:    make(map[string][]uuid.UUID),
		debitRefs:    make(map[string]uuid.UUID),
		creditRefs:   make(map[string]uuid.UUID),
		reversals:    make(map[uuid.UUID]uuid.UUID),
		lockTimeout:  lockTimeout,
	}
}

func (s *MemoryStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	a := s.account(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.balance, nil
}

func (s *MemoryStore) AtomicDebit(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Transaction, error) {
	t, err := s.apply(ctx, accountID, -amount, orderRef, nil)
	if err != nil {
		return nil, fmt.Errorf("AtomicDebit: %w", err)
	}
	return t, nil
}

func (s *MemoryStore) Credit(ctx context.Context, accountID string, amount int64, orderRef string, reverses *uuid.UUID) (*domain.Transaction, error) {
	t, err := s.apply(ctx, accountID, amount, orderRef, reverses)
	if err != nil {
		return nil, fmt.Errorf("Credit: %w", err)
	}
	return t, nil
}

func (s *MemoryStore) apply(ctx context.Context, accountID string, amount int64, orderRef string, reverses *uuid.UUID) (*domain.Transaction, error) {
	a := s.account(accountID)
	if err := s.acquire(ctx, a); err != nil {
		return nil, err
	}
	defer s.release(a)

	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < 0 {
		if _, exists := s.debitRefs[orderRef]; exists {
			return nil, domain.ErrDuplicateOrderRef
		}
	}
	if amount > 0 && reverses == nil {
		if _, exists := s.creditRefs[orderRef]; exists {
			return nil, domain.ErrDuplicateOrderRef
		}
	}

	newBalance := a.balance + amount
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

	s.transactions[record.TransactionID] = record
	s.byAccount[accountID] = append(s.byAccount[accountID], record.TransactionID)
	switch {
	case amount < 0:
		s.debitRefs[orderRef] = record.TransactionID
	case reverses != nil:
		s.reversals[*reverses] = record.TransactionID
	default:
		s.creditRefs[orderRef] = record.TransactionID
	}

	a.balance = newBalance
	a.version++

	return cloneTransaction(record), nil
}

func (s *MemoryStore) ReverseTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	original, ok := s.transactions[transactionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ReverseTransaction: %w", domain.ErrTransactionNotFound)
	}
	if !original.IsDebit() {
		return nil, fmt.Errorf("ReverseTransaction: %w", domain.ErrNotReversible)
	}

	a := s.account(original.AccountID)
	if err := s.acquire(ctx, a); err != nil {
		return nil, fmt.Errorf("ReverseTransaction: %w", err)
	}
	defer s.release(a)

	s.mu.Lock()
	defer s.mu.Unlock()

	if original.Status == domain.TransactionStatusReversed {
		return nil, fmt.Errorf("ReverseTransaction: %w", domain.ErrAlreadyReversed)
	}

	newBalance := a.balance - original.Amount

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

	s.transactions[compensating.TransactionID] = compensating
	s.byAccount[original.AccountID] = append(s.byAccount[original.AccountID], compensating.TransactionID)
	s.reversals[original.TransactionID] = compensating.TransactionID
	original.Status = domain.TransactionStatusReversed

	a.balance = newBalance
	a.version++

	return cloneTransaction(compensating), nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("GetTransaction: %w", domain.ErrTransactionNotFound)
	}
	return cloneTransaction(t), nil
}

func (s *MemoryStore) FindDebitByOrderRef(ctx context.Context, orderRef string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.debitRefs[orderRef]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(s.transactions[id]), nil
}

func (s *MemoryStore) FindCreditByOrderRef(ctx context.Context, orderRef string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.creditRefs[orderRef]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(s.transactions[id]), nil
}

func (s *MemoryStore) FindReversal(ctx context.Context, originalID uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.reversals[originalID]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(s.transactions[id]), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAccount[accountID]
	total := len(ids)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	page := make([]domain.Transaction, 0, end-offset)
	for _, id := range ids[offset:end] {
		page = append(page, *cloneTransaction(s.transactions[id]))
	}
	return page, total, nil
}

func (s *MemoryStore) account(accountID string) *memAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		a = &memAccount{lock: make(chan struct{}, 1)}
		s.accounts[accountID] = a
	}
	return a
}

func (s *MemoryStore) acquire(ctx context.Context, a *memAccount) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case a.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrTimeout
	case <-ctx.Done():
		return domain.ErrTimeout
	}
}

func (s *MemoryStore) release(a *memAccount) {
	<-a.lock
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	if t.ReversesTransactionID != nil {
		id := *t.ReversesTransactionID
		c.ReversesTransactionID = &id
	}
	return &c
}
