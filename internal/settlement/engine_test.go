package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletcore/ledger/internal/domain"
	"github.com/walletcore/ledger/internal/ledger"
)

func newTestEngine() (*Engine, *ledger.MemoryStore) {
	store := ledger.NewMemoryStore(3 * time.Second)
	engine := NewEngine(store, Config{MaxDebitRetries: 3, RetryBackoff: time.Millisecond})
	return engine, store
}

func TestCharge_Validation(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	tests := []struct {
		name      string
		accountID string
		amount    int64
		orderRef  string
		wantErr   error
	}{
		{"missing account", "", 100, "order-1", domain.ErrMissingAccountID},
		{"zero amount", "acct-1", 0, "order-1", domain.ErrInvalidAmount},
		{"negative amount", "acct-1", -100, "order-1", domain.ErrInvalidAmount},
		{"missing order ref", "acct-1", 100, "", domain.ErrMissingOrderRef},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Charge(ctx, tt.accountID, tt.amount, tt.orderRef)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCharge_Settled(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)

	s, err := engine.Charge(ctx, "acct-1", 400, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusSettled, s.Status)
	assert.Equal(t, int64(600), s.NewBalance)
	assert.False(t, s.Replayed)
	assert.NotEqual(t, uuid.Nil, s.TransactionID)
}

func TestCharge_DeclinedInsufficientFunds(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	_, err := engine.Credit(ctx, "acct-1", 100, "topup-1")
	require.NoError(t, err)

	s, err := engine.Charge(ctx, "acct-1", 500, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusDeclined, s.Status)
	assert.Equal(t, domain.DeclineReasonInsufficientFunds, s.Reason)

	// Decline must not move money or leave a record behind.
	balance, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestCharge_ReplaySameOrderRef(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)

	first, err := engine.Charge(ctx, "acct-1", 400, "order-1")
	require.NoError(t, err)

	second, err := engine.Charge(ctx, "acct-1", 400, "order-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.NewBalance, second.NewBalance)

	// Amount is ignored on replay; the recorded result wins.
	third, err := engine.Charge(ctx, "acct-1", 999, "order-1")
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, first.TransactionID, third.TransactionID)
}

func TestCharge_DeclineThenTopupThenRetry(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.Credit(ctx, "acct-1", 100, "topup-1")
	require.NoError(t, err)

	declined, err := engine.Charge(ctx, "acct-1", 500, "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.SettlementStatusDeclined, declined.Status)

	_, err = engine.Credit(ctx, "acct-1", 1000, "topup-2")
	require.NoError(t, err)

	// A decline records nothing, so the same order ref can settle later.
	settledNow, err := engine.Charge(ctx, "acct-1", 500, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusSettled, settledNow.Status)
	assert.False(t, settledNow.Replayed)
	assert.Equal(t, int64(600), settledNow.NewBalance)
}

func TestCredit_Idempotent(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	first, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusSettled, first.Status)

	second, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	balance, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestReverse_RoundTrip(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	_, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)
	charge, err := engine.Charge(ctx, "acct-1", 400, "order-1")
	require.NoError(t, err)

	reversal, err := engine.Reverse(ctx, charge.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusSettled, reversal.Status)
	assert.Equal(t, int64(1000), reversal.NewBalance)
	assert.False(t, reversal.Replayed)

	// Reversing again replays the recorded compensating credit.
	again, err := engine.Reverse(ctx, charge.TransactionID)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, reversal.TransactionID, again.TransactionID)

	balance, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestReverse_CreditNotReversible(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	credit, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)

	_, err = engine.Reverse(ctx, credit.TransactionID)
	require.ErrorIs(t, err, domain.ErrNotReversible)
}

func TestReverse_UnknownTransaction(t *testing.T) {
	engine, _ := newTestEngine()

	_, err := engine.Reverse(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

// conflictStore wraps the memory store and fails AtomicDebit with ErrConflict
// a fixed number of times before delegating.
type conflictStore struct {
	*ledger.MemoryStore
	failures int
	calls    int
}

func (s *conflictStore) AtomicDebit(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Transaction, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, domain.ErrConflict
	}
	return s.MemoryStore.AtomicDebit(ctx, accountID, amount, orderRef)
}

func TestCharge_RetriesConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{MemoryStore: ledger.NewMemoryStore(3 * time.Second), failures: 2}
	engine := NewEngine(store, Config{MaxDebitRetries: 3, RetryBackoff: time.Millisecond})

	_, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)

	s, err := engine.Charge(ctx, "acct-1", 400, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusSettled, s.Status)
	assert.Equal(t, 3, store.calls)
}

func TestCharge_ConflictRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{MemoryStore: ledger.NewMemoryStore(3 * time.Second), failures: 100}
	engine := NewEngine(store, Config{MaxDebitRetries: 3, RetryBackoff: time.Millisecond})

	_, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)

	_, err = engine.Charge(ctx, "acct-1", 400, "order-1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 3, store.calls)
}

// timeoutStore always fails AtomicDebit with ErrTimeout.
type timeoutStore struct {
	*ledger.MemoryStore
	calls int
}

func (s *timeoutStore) AtomicDebit(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Transaction, error) {
	s.calls++
	return nil, domain.ErrTimeout
}

func TestCharge_TimeoutNotRetried(t *testing.T) {
	ctx := context.Background()
	store := &timeoutStore{MemoryStore: ledger.NewMemoryStore(3 * time.Second)}
	engine := NewEngine(store, Config{MaxDebitRetries: 3, RetryBackoff: time.Millisecond})

	_, err := engine.Charge(ctx, "acct-1", 400, "order-1")
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 1, store.calls)
}

// raceStore simulates losing a duplicate-ref race: AtomicDebit reports
// ErrDuplicateOrderRef while a prior debit exists for the ref.
type raceStore struct {
	*ledger.MemoryStore
}

func (s *raceStore) AtomicDebit(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Transaction, error) {
	return nil, domain.ErrDuplicateOrderRef
}

func TestCharge_DuplicateRaceReplaysWinner(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore(3 * time.Second)

	_, err := mem.Credit(ctx, "acct-1", 1000, "topup-1", nil)
	require.NoError(t, err)
	winner, err := mem.AtomicDebit(ctx, "acct-1", 400, "order-1")
	require.NoError(t, err)

	engine := NewEngine(&raceStore{MemoryStore: mem}, Config{MaxDebitRetries: 3, RetryBackoff: time.Millisecond})

	s, err := engine.Charge(ctx, "acct-1", 400, "order-1")
	require.NoError(t, err)
	assert.True(t, s.Replayed)
	assert.Equal(t, winner.TransactionID, s.TransactionID)
}

// staleLookupStore reports no prior credit for the first misses lookups,
// simulating concurrent callers that both pass the idempotency check before
// either write commits.
type staleLookupStore struct {
	*ledger.MemoryStore
	misses int
	calls  int
}

func (s *staleLookupStore) FindCreditByOrderRef(ctx context.Context, orderRef string) (*domain.Transaction, error) {
	s.calls++
	if s.calls <= s.misses {
		return nil, nil
	}
	return s.MemoryStore.FindCreditByOrderRef(ctx, orderRef)
}

func TestCredit_DuplicateRaceReplaysWinner(t *testing.T) {
	ctx := context.Background()
	store := &staleLookupStore{MemoryStore: ledger.NewMemoryStore(3 * time.Second), misses: 2}
	engine := NewEngine(store, Config{MaxDebitRetries: 3, RetryBackoff: time.Millisecond})

	first, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)
	require.False(t, first.Replayed)

	// The second caller's lookup also saw nothing; the store-level guard
	// rejects its write and the recorded credit is replayed.
	second, err := engine.Credit(ctx, "acct-1", 1000, "topup-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	balance, err := store.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}
