// Package apperror provides structured errors for the inventory core.
// Resolvable errors carry enough detail for the caller to render a guided
// fix-and-retry flow; integrity errors are hard failures that abort the
// enclosing transaction.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

const (
	// Infrastructure errors (5xx)
	CodeInternal  = "INTERNAL_ERROR"
	CodeDatabase  = "DATABASE_ERROR"
	CodeIntegrity = "INTEGRITY_ERROR"

	// Validation errors (400)
	CodeValidation = "VALIDATION_ERROR"

	// Business rule violations (422)
	CodeInsufficientInventory = "INSUFFICIENT_INVENTORY"
	CodeInvalidTransition     = "INVALID_STATE_TRANSITION"

	// Resolvable errors (422): the tenant user can fix the missing datum
	// in-place and retry the identical logical operation.
	CodeResolvable = "RESOLVABLE_ERROR"

	// Conflict (409)
	CodeConflict    = "CONFLICT"
	CodeIdempotency = "IDEMPOTENCY_CONFLICT"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"
)

// Resolvable error subtypes.
const (
	ResolvableMissingDensity     = "missing_density"
	ResolvableMissingUnitMapping = "missing_unit_mapping"
	ResolvableMissingContainer   = "missing_container"
)

// AppError is the standard error type for the platform.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, quantities, etc.)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewResolvable creates a user-fixable error. fixLocator tells the caller
// where the missing datum lives (e.g. "inventory_item:42:density");
// retryDescriptor echoes the logical operation so the presentation layer
// can re-invoke it unchanged once the fix is collected.
func NewResolvable(errorType, message, fixLocator string, retryDescriptor any) *AppError {
	return &AppError{
		Code:       CodeResolvable,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"error_type":       errorType,
			"error_code":       CodeResolvable,
			"fix_locator":      fixLocator,
			"retry_descriptor": retryDescriptor,
		},
	}
}

// NewInsufficientInventory reports a FIFO shortfall. The shortage amount is
// included so planning can react.
func NewInsufficientInventory(itemId int, requested, available decimal.Decimal) *AppError {
	return &AppError{
		Code:       CodeInsufficientInventory,
		Message:    "insufficient inventory",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"item_id":   itemId,
			"requested": requested.String(),
			"available": available.String(),
			"shortage":  requested.Sub(available).String(),
		},
	}
}

// NewIntegrity reports a ledger inconsistency (lot-sum divergence, invalid
// state transition source). Not user-recoverable; the affected record should
// be flagged for manual audit, never auto-corrected.
func NewIntegrity(message string) *AppError {
	return &AppError{
		Code:       CodeIntegrity,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

func NewInvalidTransition(entity string, from, to string) *AppError {
	return &AppError{
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("cannot transition %s from %s to %s", entity, from, to),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"entity": entity, "from": from, "to": to},
	}
}

func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotency,
		Message:    "operation already in progress or completed",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// --- Helpers ---

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns the appropriate HTTP status for any error.
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsResolvable reports whether the user can fix the error in-place and retry.
func IsResolvable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeResolvable
	}
	return false
}

func IsInsufficientInventory(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeInsufficientInventory
	}
	return false
}

func IsIntegrity(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeIntegrity
	}
	return false
}

func IsNotFound(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeNotFound
	}
	return false
}
