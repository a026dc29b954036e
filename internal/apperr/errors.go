// Package apperr holds the error taxonomy shared by the ledger, the core
// services and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrNotFound                = errors.New("not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicatePurchase       = errors.New("duplicate purchase attempt")
	ErrConflict                = errors.New("conflict")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrExternalPayoutFailed    = errors.New("external payout failed")

	// ErrRateUnavailable is returned while no exchange rate has ever been fetched.
	ErrRateUnavailable = fmt.Errorf("exchange rate unavailable: %w", ErrCollaboratorUnavailable)
)

// InsufficientFundsError reports the amount an operation needed and what the
// user had at the time of the check.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("Insufficient funds. Required: %s, Available: %s", e.Required.String(), e.Available.String())
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Invalid wraps ErrInvalidRequest with a caller-facing message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidRequest)
}

// Unavailable marks err as a collaborator failure.
func Unavailable(collaborator string, err error) error {
	return fmt.Errorf("%s: %w: %v", collaborator, ErrCollaboratorUnavailable, err)
}

// HTTPStatus maps an error onto the status class a client should see.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrDuplicatePurchase), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExternalPayoutFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrCollaboratorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine readable counterpart of HTTPStatus used in JSON bodies
// and stream error events.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicatePurchase):
		return "duplicate_purchase"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrExternalPayoutFailed):
		return "external_payout_failed"
	case errors.Is(err, ErrCollaboratorUnavailable):
		return "collaborator_unavailable"
	default:
		return "internal"
	}
}
