package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dispatch-backend/internal/apperrors"
)

// HTTPStatusError is a non-2xx response from a provider API
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether the failure is worth another attempt
func (e *HTTPStatusError) Retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// authorizer sets credentials on an outgoing request
type authorizer func(ctx context.Context, req *http.Request) error

// apiClient is the JSON-over-HTTP plumbing shared by the provider adapters
type apiClient struct {
	baseURL      string
	session      *http.Client
	authorize    authorizer
	maxAttempts  int
	firstBackoff time.Duration
}

func newAPIClient(baseURL string, session *http.Client, auth authorizer) *apiClient {
	if session == nil {
		session = &http.Client{Timeout: 30 * time.Second}
	}
	return &apiClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		session:      session,
		authorize:    auth,
		maxAttempts:  4,
		firstBackoff: 200 * time.Millisecond,
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.authorize != nil {
		if err := c.authorize(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (c *apiClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.session.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &HTTPStatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(b)),
		}
	}
	return resp, nil
}

// doWithRetry retries transient failures (network errors, 429, 5xx) with
// exponential backoff while respecting context cancellation
func (c *apiClient) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.firstBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	policy.Reset()

	retries := uint64(0)
	if c.maxAttempts > 1 {
		retries = uint64(c.maxAttempts - 1)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)

	return backoff.RetryWithData(func() (*http.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		req, err := makeReq()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.do(req)
		if err == nil {
			return resp, nil
		}
		if !retryable(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, b)
}

func retryable(ctx context.Context, err error) bool {
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr) && ctx.Err() == nil
}

// call sends in as JSON and decodes the response into out. Only idempotent
// calls should set retry.
func (c *apiClient) call(ctx context.Context, method, path string, in, out any, retry bool) error {
	makeReq := func() (*http.Request, error) { return c.newRequest(ctx, method, path, in) }

	var (
		resp *http.Response
		err  error
	)
	if retry {
		resp, err = c.doWithRetry(ctx, makeReq)
	} else {
		var req *http.Request
		if req, err = makeReq(); err == nil {
			resp, err = c.do(req)
		}
	}
	if err != nil {
		var he *HTTPStatusError
		if errors.As(err, &he) && (he.Code == http.StatusUnauthorized || he.Code == http.StatusForbidden) {
			return fmt.Errorf("%w: %w", apperrors.ErrProviderAuth, err)
		}
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
