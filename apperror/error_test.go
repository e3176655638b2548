package apperror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestAsAppErrorUnwrapsWrappedErrors(t *testing.T) {
	inner := apperror.NewValidation("bad input")
	wrapped := fmt.Errorf("handler: %w", inner)

	appErr, ok := apperror.AsAppError(wrapped)
	require.True(t, ok)
	require.Equal(t, apperror.CodeValidation, appErr.Code)

	_, ok = apperror.AsAppError(errors.New("plain"))
	require.False(t, ok)
}

func TestGetHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, apperror.GetHTTPStatus(apperror.NewValidation("x")))
	require.Equal(t, http.StatusNotFound, apperror.GetHTTPStatus(apperror.NewNotFound("batch", 9)))
	require.Equal(t, http.StatusConflict, apperror.GetHTTPStatus(apperror.NewIdempotencyConflict("k")))
	require.Equal(t, http.StatusUnprocessableEntity, apperror.GetHTTPStatus(apperror.NewInvalidTransition("batch", "completed", "in_progress")))
	require.Equal(t, http.StatusInternalServerError, apperror.GetHTTPStatus(apperror.NewIntegrity("lot sum diverged")))
	require.Equal(t, http.StatusInternalServerError, apperror.GetHTTPStatus(errors.New("plain")))
}

func TestCodePredicates(t *testing.T) {
	notFound := fmt.Errorf("lookup: %w", apperror.NewNotFound("item", 3))
	require.True(t, apperror.IsNotFound(notFound))
	require.False(t, apperror.IsIntegrity(notFound))

	integrity := apperror.NewIntegrity("lot sum diverged")
	require.True(t, apperror.IsIntegrity(integrity))
	require.False(t, apperror.IsNotFound(integrity))
	require.False(t, apperror.IsNotFound(errors.New("plain")))
}

func TestResolvablePayloadShape(t *testing.T) {
	retry := map[string]any{"op": "deduct", "item_id": 5}
	err := apperror.NewResolvable(apperror.ResolvableMissingDensity, "density required", "inventory_item:5:density", retry)

	require.True(t, apperror.IsResolvable(err))
	require.Equal(t, apperror.ResolvableMissingDensity, err.Details["error_type"])
	require.Equal(t, apperror.CodeResolvable, err.Details["error_code"])
	require.Equal(t, "inventory_item:5:density", err.Details["fix_locator"])
	require.Equal(t, retry, err.Details["retry_descriptor"])
}

func TestInsufficientInventoryCarriesShortage(t *testing.T) {
	err := apperror.NewInsufficientInventory(3, decimal.NewFromInt(12), decimal.NewFromInt(10))
	require.True(t, apperror.IsInsufficientInventory(err))
	require.Equal(t, "12", err.Details["requested"])
	require.Equal(t, "10", err.Details["available"])
	require.Equal(t, "2", err.Details["shortage"])
}

func TestWithDetailAndCause(t *testing.T) {
	cause := errors.New("duplicate entry")
	err := apperror.NewConflict("name already exists").
		WithDetail("field", "name").
		WithCause(cause)

	require.Equal(t, "name", err.Details["field"])
	require.True(t, errors.Is(err, cause))
	require.Contains(t, err.Error(), "duplicate entry")
}
