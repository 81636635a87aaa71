package apperrors

import (
	"errors"
	"net/http"
)

// State-machine violations. These are deterministic and never retried.
var (
	ErrDriverBusy        = errors.New("driver is not available")
	ErrDriverNotFound    = errors.New("driver not found or offline")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoActiveOrder     = errors.New("driver has no active order")
	ErrTooLateToCancel   = errors.New("delivery can no longer be cancelled")
	ErrActiveTaskExists  = errors.New("order already has an active delivery")
	ErrTaskNotFound      = errors.New("delivery task not found")
	ErrStaleLocation     = errors.New("location fix is older than the last one")
)

// Provider and input errors.
var (
	ErrProviderNotConfigured = errors.New("delivery provider not configured")
	ErrProviderAuth          = errors.New("delivery provider authentication failed")
	ErrInvalidWebhook        = errors.New("invalid webhook payload")
	ErrInvalidRequest        = errors.New("invalid request")
)

// HTTPStatus maps an error chain to the response code the API returns for it
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrDriverNotFound), errors.Is(err, ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDriverBusy),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNoActiveOrder),
		errors.Is(err, ErrTooLateToCancel),
		errors.Is(err, ErrActiveTaskExists),
		errors.Is(err, ErrStaleLocation):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrProviderNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidWebhook):
		return http.StatusUnauthorized
	case errors.Is(err, ErrProviderAuth):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
