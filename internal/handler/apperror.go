package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidAmount    = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrMissingOrderRef  = &AppError{http.StatusBadRequest, "MISSING_ORDER_REF", "order_ref is required"}
	ErrMissingAccountID = &AppError{http.StatusBadRequest, "MISSING_ACCOUNT_ID", "account_id is required"}
	ErrNotReversible    = &AppError{http.StatusUnprocessableEntity, "NOT_REVERSIBLE", "Only applied debits can be reversed"}
	ErrConflict         = &AppError{http.StatusConflict, "CONFLICT", "Concurrent update, please retry"}
	ErrLockTimeout      = &AppError{http.StatusServiceUnavailable, "LOCK_TIMEOUT", "Account busy, please retry"}
	ErrStorageDown      = &AppError{http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage unavailable, please retry"}
)
