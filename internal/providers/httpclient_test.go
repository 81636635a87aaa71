package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newRetryClient(t *testing.T, status int) (*apiClient, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "nope", status)
	}))
	t.Cleanup(srv.Close)

	c := newAPIClient(srv.URL, srv.Client(), nil)
	c.firstBackoff = time.Millisecond
	return c, &hits
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	c, hits := newRetryClient(t, http.StatusTooManyRequests)

	err := c.call(context.Background(), http.MethodGet, "/status", nil, nil, true)
	var he *HTTPStatusError
	if !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected HTTPStatusError 429, got %v", err)
	}
	if got := atomic.LoadInt32(hits); got != int32(c.maxAttempts) {
		t.Fatalf("attempts = %d, want %d", got, c.maxAttempts)
	}
}

func TestRetrySkipsClientErrors(t *testing.T) {
	c, hits := newRetryClient(t, http.StatusBadRequest)

	err := c.call(context.Background(), http.MethodGet, "/status", nil, nil, true)
	var he *HTTPStatusError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected HTTPStatusError 400, got %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestRetryStopsWhenContextIsDone(t *testing.T) {
	c, hits := newRetryClient(t, http.StatusServiceUnavailable)
	c.firstBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.call(ctx, http.MethodGet, "/status", nil, nil, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("retry kept waiting after the context ended")
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}
