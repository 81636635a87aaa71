package apperrors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrDriverBusy, http.StatusConflict},
		{fmt.Errorf("assign d1: %w", ErrDriverBusy), http.StatusConflict},
		{fmt.Errorf("cancel: %w", ErrTooLateToCancel), http.StatusConflict},
		{ErrDriverNotFound, http.StatusNotFound},
		{ErrTaskNotFound, http.StatusNotFound},
		{ErrInvalidRequest, http.StatusBadRequest},
		{ErrInvalidWebhook, http.StatusUnauthorized},
		{fmt.Errorf("uber token: %w", ErrProviderAuth), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
