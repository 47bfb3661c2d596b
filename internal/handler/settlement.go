package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/walletcore/ledger/internal/domain"
	"github.com/walletcore/ledger/internal/logging"
)

type settlementEngine interface {
	Charge(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Settlement, error)
	Credit(ctx context.Context, accountID string, amount int64, orderRef string) (*domain.Settlement, error)
	Reverse(ctx context.Context, transactionID uuid.UUID) (*domain.Settlement, error)
}

type SettlementHandler struct {
	engine settlementEngine
}

func NewSettlementHandler(engine settlementEngine) *SettlementHandler {
	return &SettlementHandler{engine: engine}
}

type settlementRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	OrderRef  string `json:"order_ref"`
}

func (r settlementRequest) Validate() []FieldError {
	var errs []FieldError
	if r.AccountID == "" {
		errs = append(errs, FieldError{Field: "account_id", Message: "required"})
	}
	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	if r.OrderRef == "" {
		errs = append(errs, FieldError{Field: "order_ref", Message: "required"})
	}
	return errs
}

type settlementDTO struct {
	Status        string  `json:"status"`
	Reason        string  `json:"reason,omitempty"`
	TransactionID *string `json:"transaction_id,omitempty"`
	NewBalance    *int64  `json:"new_balance,omitempty"`
	Replayed      bool    `json:"replayed"`
}

func toSettlementDTO(s *domain.Settlement) settlementDTO {
	dto := settlementDTO{
		Status:   string(s.Status),
		Reason:   string(s.Reason),
		Replayed: s.Replayed,
	}
	if s.Status == domain.SettlementStatusSettled {
		id := s.TransactionID.String()
		balance := s.NewBalance
		dto.TransactionID = &id
		dto.NewBalance = &balance
	}
	return dto
}

// statusFor distinguishes a freshly settled charge from a replay or a
// decline: new money movement gets 201, everything else 200.
func statusFor(s *domain.Settlement) int {
	if s.Status == domain.SettlementStatusSettled && !s.Replayed {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (h *SettlementHandler) Charge(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	s, err := h.engine.Charge(r.Context(), req.AccountID, req.Amount, req.OrderRef)
	if err != nil {
		log.Warn("charge failed", "error", err, "order_ref", req.OrderRef)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, statusFor(s), toSettlementDTO(s))
}

func (h *SettlementHandler) Credit(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	s, err := h.engine.Credit(r.Context(), req.AccountID, req.Amount, req.OrderRef)
	if err != nil {
		log.Warn("credit failed", "error", err, "order_ref", req.OrderRef)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, statusFor(s), toSettlementDTO(s))
}

func (h *SettlementHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	transactionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	s, err := h.engine.Reverse(r.Context(), transactionID)
	if err != nil {
		log.Warn("reversal failed", "error", err, "transaction_id", transactionID)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, statusFor(s), toSettlementDTO(s))
}
