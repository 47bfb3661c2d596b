package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/walletcore/ledger/internal/domain"
	"github.com/walletcore/ledger/internal/logging"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ledgerReader is the read-only surface for the admin/reporting
// collaborator. It never mutates balances.
type ledgerReader interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.Transaction, int, error)
}

type AccountHandler struct {
	ledger ledgerReader
}

func NewAccountHandler(ledger ledgerReader) *AccountHandler {
	return &AccountHandler{ledger: ledger}
}

type balanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type transactionDTO struct {
	TransactionID         uuid.UUID  `json:"transaction_id"`
	AccountID             string     `json:"account_id"`
	Amount                int64      `json:"amount"`
	OrderRef              string     `json:"order_ref"`
	ResultingBalance      int64      `json:"resulting_balance"`
	Status                string     `json:"status"`
	ReversesTransactionID *uuid.UUID `json:"reverses_transaction_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func toTransactionDTO(t *domain.Transaction) transactionDTO {
	return transactionDTO{
		TransactionID:         t.TransactionID,
		AccountID:             t.AccountID,
		Amount:                t.Amount,
		OrderRef:              t.OrderRef,
		ResultingBalance:      t.ResultingBalance,
		Status:                string(t.Status),
		ReversesTransactionID: t.ReversesTransactionID,
		CreatedAt:             t.CreatedAt,
	}
}

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if accountID == "" {
		RespondAppError(w, ErrMissingAccountID, nil)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		logging.FromContext(r.Context()).Error("balance lookup failed", "error", err, "account_id", accountID)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, balanceDTO{AccountID: accountID, Balance: balance})
}

func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if accountID == "" {
		RespondAppError(w, ErrMissingAccountID, nil)
		return
	}

	limit, offset := pageParams(r)

	transactions, total, err := h.ledger.ListTransactions(r.Context(), accountID, limit, offset)
	if err != nil {
		logging.FromContext(r.Context()).Error("transaction list failed", "error", err, "account_id", accountID)
		RespondDomainError(w, err)
		return
	}

	dtos := make([]transactionDTO, len(transactions))
	for i := range transactions {
		dtos[i] = toTransactionDTO(&transactions[i])
	}

	RespondSuccess(w, http.StatusOK, map[string]any{
		"transactions": dtos,
		"pagination": map[string]int{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	})
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
