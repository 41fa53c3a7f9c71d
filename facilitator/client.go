package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cleargate/x402"
)

// DefaultTimeout bounds each facilitator call when the caller's context
// carries no deadline.
const DefaultTimeout = 30 * time.Second

// AuthorizationProvider returns an Authorization header value per request,
// for tokens that need refreshing. Called on every attempt; must be safe for
// concurrent use.
type AuthorizationProvider func(*http.Request) string

// Client talks to a remote facilitator service. Transport failures are
// reported as x402.ErrFacilitatorUnreachable and never conflated with a
// payment rejection: an unreachable facilitator means the payment state is
// unknown, not invalid.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration

	// MaxRetries is the number of extra attempts after a transport failure.
	MaxRetries int
	RetryDelay time.Duration

	// Authorization is a static header value. AuthorizationProvider takes
	// precedence when both are set.
	Authorization         string
	AuthorizationProvider AuthorizationProvider
}

// NewClient creates a facilitator client with default transport settings.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Timeout:    DefaultTimeout,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) setAuthorization(req *http.Request) {
	value := c.Authorization
	if c.AuthorizationProvider != nil {
		value = c.AuthorizationProvider(req)
	}
	if value != "" {
		req.Header.Set("Authorization", value)
	}
}

// withDeadline applies the client timeout unless the context already
// carries a deadline.
func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, has := ctx.Deadline(); has || c.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// retryTransport runs fn, retrying only transport failures with exponential
// backoff.
func (c *Client) retryTransport(ctx context.Context, fn func() error) error {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, x402.ErrFacilitatorUnreachable) || attempt >= c.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// post sends a JSON body and decodes a JSON answer into out. Non-200
// answers are returned as failure, wrapping the body's error message.
func (c *Client) post(ctx context.Context, path string, body, out any, failure error) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	return c.retryTransport(ctx, func() error {
		reqCtx, cancel := c.withDeadline(ctx)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create %s request: %w", path, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorization(httpReq)

		resp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnreachable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", x402.ErrFacilitatorUnreachable, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d%s", failure, resp.StatusCode, readErrorDetail(resp.Body))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}

// readErrorDetail extracts a short error message from a failed response
// body, when one is present.
func readErrorDetail(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 512))
	var parsed errorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return ", " + parsed.Error
	}
	if len(raw) > 0 {
		return ", body: " + string(raw)
	}
	return ""
}

// Verify asks the facilitator to verify a payment against a requirement.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	var result x402.VerifyResult
	err := c.post(ctx, "/verify", &Request{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	}, &result, x402.ErrVerificationFailed)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle asks the facilitator to settle a verified payment on-chain.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResult, error) {
	var result x402.SettleResult
	err := c.post(ctx, "/settle", &Request{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	}, &result, x402.ErrSettlementFailed)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Quote asks the facilitator to price a cross-asset or gasless payment.
func (c *Client) Quote(ctx context.Context, req *x402.QuoteRequest) (*x402.QuoteData, error) {
	var result x402.QuoteResponse
	if err := c.post(ctx, "/quote", req, &result, x402.ErrVerificationFailed); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// Supported fetches the facilitator's supported (scheme, network) pairs.
func (c *Client) Supported(ctx context.Context) ([]x402.SupportedKind, error) {
	var result SupportedResponse
	err := c.retryTransport(ctx, func() error {
		reqCtx, cancel := c.withDeadline(ctx)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
		if err != nil {
			return fmt.Errorf("create supported request: %w", err)
		}
		c.setAuthorization(httpReq)

		resp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnreachable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: supported status %d", x402.ErrFacilitatorUnreachable, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}
	return result.Kinds, nil
}

// EnrichRequirements merges the facilitator's per-kind extra data, such as
// the fee-payer address, into requirements that lack it. Values already set
// on a requirement take precedence.
func (c *Client) EnrichRequirements(ctx context.Context, requirements []x402.PaymentRequirements) ([]x402.PaymentRequirements, error) {
	kinds, err := c.Supported(ctx)
	if err != nil {
		return requirements, err
	}

	byKind := make(map[string]x402.SupportedKind, len(kinds))
	for _, kind := range kinds {
		byKind[kind.Scheme+"/"+kind.Network] = kind
	}

	enriched := make([]x402.PaymentRequirements, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := byKind[req.Scheme+"/"+req.Network]
		if !ok || len(kind.Extra) == 0 {
			continue
		}
		merged := make(map[string]string, len(req.Extra)+len(kind.Extra))
		for k, v := range req.Extra {
			merged[k] = v
		}
		for k, v := range kind.Extra {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
		enriched[i].Extra = merged
	}
	return enriched, nil
}
