// Package httpclient provides an HTTP client with retry support for
// transient transport failures.
package httpclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client wraps http.Client with bounded retries. Only transport-level
// failures are retried: connection errors, timeouts, and 5xx responses.
// Any response below 500 is returned to the caller as-is.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithMaxDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = delay
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 2,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   4 * time.Second,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// TransportError reports a dispatch that failed at the transport level
// after all retries were exhausted.
type TransportError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport failure after %d attempts: HTTP %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("transport failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Do executes the request, retrying transport failures with exponential
// backoff. The request must have GetBody set if it carries a body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastStatus int
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
				}
				req.Body = body
			}

			delay := c.backoff(attempt - 1)
			slog.Debug("Retrying request", "url", req.URL.String(), "attempt", attempt, "delay", delay)

			select {
			case <-req.Context().Done():
				return nil, &TransportError{Attempts: attempt, Err: req.Context().Err()}
			case <-time.After(delay):
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			lastStatus = 0
			if req.Context().Err() != nil {
				return nil, &TransportError{Attempts: attempt + 1, Err: req.Context().Err()}
			}
			continue
		}

		if resp.StatusCode < 500 {
			return resp, nil
		}

		resp.Body.Close()
		lastStatus = resp.StatusCode
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return nil, &TransportError{
		StatusCode: lastStatus,
		Attempts:   c.maxRetries + 1,
		Err:        lastErr,
	}
}

// backoff returns base*2^attempt capped at maxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay << uint(attempt)
	if delay > c.maxDelay || delay <= 0 {
		return c.maxDelay
	}
	return delay
}
