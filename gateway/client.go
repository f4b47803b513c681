package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRefundRejected signals the gateway refused the refund outright.
	ErrRefundRejected = errors.New("gateway: refund rejected")
)

// Client talks to the external payment gateway. Charge initiation returns a
// checkout URL the consumer is redirected to; the outcome comes back later as
// a webhook.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client

	maxAttempts int
	backoffBase time.Duration
}

type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry tunes the transient-failure retry policy.
func WithRetry(maxAttempts int, backoffBase time.Duration) ClientOption {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.backoffBase = backoffBase
	}
}

func NewClient(baseURL, secretKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     baseURL,
		secretKey:   secretKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		backoffBase: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Charge holds the gateway's view of an initialized payment.
type Charge struct {
	Reference   string `json:"reference"`
	CheckoutURL string `json:"checkout_url"`
}

// InitializeCharge registers a pending charge with the gateway.
func (c *Client) InitializeCharge(ctx context.Context, reference, customerEmail string, amount decimal.Decimal) (Charge, error) {
	payload := map[string]any{
		"reference": reference,
		"email":     customerEmail,
		// Gateway wire format is integer minor units.
		"amount": amount.Shift(2).IntPart(),
	}

	var out Charge
	if err := c.post(ctx, "/charges", payload, &out); err != nil {
		return Charge{}, fmt.Errorf("gateway: initialize charge: %w", err)
	}
	return out, nil
}

// Refund reverses a captured charge. Transient failures are retried with
// exponential backoff; a definitive rejection is returned as ErrRefundRejected.
func (c *Client) Refund(ctx context.Context, reference string, amount decimal.Decimal) error {
	payload := map[string]any{
		"reference": reference,
		"amount":    amount.Shift(2).IntPart(),
	}
	if err := c.post(ctx, "/refunds", payload, nil); err != nil {
		return fmt.Errorf("gateway: refund %s: %w", reference, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = c.doPost(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
		var transient *transientError
		if !errors.As(lastErr, &transient) {
			return lastErr
		}
	}
	return lastErr
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) doPost(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &transientError{err: fmt.Errorf("gateway status %d", resp.StatusCode)}
	case path == "/refunds":
		return fmt.Errorf("%w: status %d", ErrRefundRejected, resp.StatusCode)
	default:
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
}
