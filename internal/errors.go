package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeBusiness     ErrorType = "BUSINESS_ERROR"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal     ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired     ErrorCode = "TOKEN_EXPIRED"

	ErrCodeSignatureInvalid    ErrorCode = "SIGNATURE_INVALID"
	ErrCodeUnknownTransaction  ErrorCode = "UNKNOWN_TRANSACTION"
	ErrCodeAlreadyProcessed    ErrorCode = "ALREADY_PROCESSED"
	ErrCodeAmountMismatch      ErrorCode = "AMOUNT_MISMATCH"
	ErrCodeInsufficientFunds   ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeWalletBlocked       ErrorCode = "WALLET_BLOCKED"
	ErrCodeTransferFailed      ErrorCode = "TRANSFER_FAILED"
	ErrCodeStockDepleted       ErrorCode = "STOCK_DEPLETED"
	ErrCodeSellerIneligible    ErrorCode = "SELLER_INELIGIBLE"
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeDatabaseError       ErrorCode = "DATABASE_ERROR"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so wrapped copies of a sentinel still compare equal.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy so shared sentinels are never mutated.
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func newAppError(t ErrorType, code ErrorCode, message string, status int) *AppError {
	return &AppError{Type: t, Code: code, Message: message, StatusCode: status}
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeValidation, code, message, http.StatusBadRequest)
}

// NewValidationFieldErrors reports every failing field; Error() returns the first.
func NewValidationFieldErrors(errs []ValidationError) *AppError {
	e := newAppError(ErrorTypeValidation, ErrCodeValidationFailed, "Validation failed", http.StatusBadRequest)
	e.Details = ValidationErrors{Errors: errs}
	return e
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeNotFound, code, message, http.StatusNotFound)
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeUnauthorized, code, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeForbidden, code, message, http.StatusForbidden)
}

// NewBusinessError is a well-formed request the ledger refuses, such as a
// debit larger than the balance.
func NewBusinessError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeBusiness, code, message, http.StatusUnprocessableEntity)
}

// NewExternalError is a failure on the provider side of a call.
func NewExternalError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeExternal, code, message, http.StatusBadGateway)
}

func NewInternalError(message string, cause error) *AppError {
	e := newAppError(ErrorTypeInternal, ErrCodeDatabaseError, message, http.StatusInternalServerError)
	e.Cause = cause
	return e
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeConflict, code, message, http.StatusConflict)
}

var (
	ErrSignatureInvalid    = NewUnauthorizedError("invalid signature", ErrCodeSignatureInvalid)
	ErrUnknownTransaction  = NewNotFoundError("unknown transaction", ErrCodeUnknownTransaction)
	ErrAlreadyProcessed    = NewConflictError("already processed", ErrCodeAlreadyProcessed)
	ErrAmountMismatch      = NewBusinessError("provider amount does not match expected amount", ErrCodeAmountMismatch)
	ErrInsufficientFunds   = NewBusinessError("insufficient funds", ErrCodeInsufficientFunds)
	ErrWalletBlocked       = NewForbiddenError("wallet is blocked", ErrCodeWalletBlocked)
	ErrTransferFailed      = NewExternalError("transfer failed", ErrCodeTransferFailed)
	ErrStockDepleted       = NewBusinessError("stock depleted", ErrCodeStockDepleted)
	ErrSellerIneligible    = NewBusinessError("seller is not eligible", ErrCodeSellerIneligible)
	ErrProviderUnavailable = NewExternalError("payment provider unavailable", ErrCodeProviderUnavailable)
	ErrInvalidAmount       = NewValidationError("amount must be greater than zero", ErrCodeInvalidAmount)
	ErrNotFound            = NewNotFoundError("record not found", ErrCodeNotFound)
	ErrInvalidState        = NewConflictError("invalid state for this operation", ErrCodeInvalidState)

	ErrInvalidToken = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
