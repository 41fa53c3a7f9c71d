// Package client provides an http.RoundTripper that pays x402 challenges
// automatically: on a 402 it picks an affordable offer it can build a
// payload for with its registered schemes, signs, and retries the request
// with the X-PAYMENT header.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/cleargate/x402"
	"github.com/cleargate/x402/encoding"
)

// maxChallengeBody bounds how much of a 402 body is read.
const maxChallengeBody = 1 << 20

// PaymentEvent reports one completed (or failed) payment attempt.
type PaymentEvent struct {
	Resource    string
	Requirement *x402.PaymentRequirements
	Payload     *x402.PaymentPayload
	Settlement  *x402.SettleResult
	Err         error
}

// Transport pays 402 challenges transparently. Offers are tried in the
// server's preference order; the first one a registered scheme can build a
// payload for, within budget, wins.
type Transport struct {
	Base     http.RoundTripper
	Registry *x402.Registry

	// Budget caps spending. Optional.
	Budget *BudgetManager

	// OnPayment observes payment attempts. Optional.
	OnPayment func(PaymentEvent)

	Logger *slog.Logger
}

// NewTransport creates a paying transport over the default HTTP transport.
func NewTransport(registry *x402.Registry) *Transport {
	return &Transport{
		Base:     http.DefaultTransport,
		Registry: registry,
		Logger:   slog.Default(),
	}
}

// NewHTTPClient returns an http.Client that pays challenges through the
// given registry.
func NewHTTPClient(registry *x402.Registry) *http.Client {
	return &http.Client{Transport: NewTransport(registry)}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// RoundTrip performs the request and, on a 402 challenge, pays once and
// retries. A second 402 is returned as-is.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Buffer the body up front so the request can be replayed after a
	// challenge.
	if req.Body != nil && req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}

	challenge, err := parseChallenge(resp)
	if err != nil {
		return nil, err
	}

	payload, requirement, err := t.buildPayment(req, challenge.Accepts)
	if err != nil {
		t.emit(PaymentEvent{Resource: req.URL.String(), Err: err})
		return nil, err
	}
	header, err := encoding.EncodePayment(payload)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set(x402.HeaderPayment, header)

	t.logger().Info("paying for resource",
		"resource", req.URL.String(),
		"scheme", payload.Scheme,
		"network", payload.Network,
		"amount", requiredAmount(requirement))

	paidResp, err := t.base().RoundTrip(retry)
	if err != nil {
		t.emit(PaymentEvent{Resource: req.URL.String(), Requirement: requirement, Payload: payload, Err: err})
		return nil, err
	}

	event := PaymentEvent{Resource: req.URL.String(), Requirement: requirement, Payload: payload}
	if encoded := paidResp.Header.Get(x402.HeaderPaymentResponse); encoded != "" {
		if settlement, err := encoding.DecodeSettlement(encoded); err == nil {
			event.Settlement = settlement
		}
	}
	if paidResp.StatusCode != http.StatusPaymentRequired {
		t.recordSpend(requirement, req.URL.String())
	}
	t.emit(event)
	return paidResp, nil
}

// buildPayment picks the first offer a local scheme can pay, within budget.
func (t *Transport) buildPayment(req *http.Request, accepts []x402.PaymentRequirements) (*x402.PaymentPayload, *x402.PaymentRequirements, error) {
	if t.Registry == nil {
		return nil, nil, x402.ErrNoAcceptableOffer
	}

	var lastErr error
	for i := range accepts {
		offer := &accepts[i]

		// Cross-asset offers are paid on the source ledger.
		network := offer.Network
		if offer.SrcNetwork != "" {
			network = offer.SrcNetwork
		}
		scheme, err := t.Registry.Lookup(offer.Scheme, network)
		if err != nil {
			continue
		}

		if t.Budget != nil {
			amount, ok := new(big.Int).SetString(requiredAmount(offer), 10)
			if !ok {
				lastErr = fmt.Errorf("%w: %q", x402.ErrInvalidAmount, requiredAmount(offer))
				continue
			}
			if err := t.Budget.CanSpend(amount, req.URL.String()); err != nil {
				lastErr = err
				continue
			}
		}

		payload, err := scheme.BuildPayload(req.Context(), offer)
		if err != nil {
			t.logger().Warn("offer not payable",
				"scheme", offer.Scheme,
				"network", network,
				"error", err)
			lastErr = err
			continue
		}
		return payload, offer, nil
	}

	if lastErr != nil {
		return nil, nil, fmt.Errorf("%w: %w", x402.ErrNoAcceptableOffer, lastErr)
	}
	return nil, nil, x402.ErrNoAcceptableOffer
}

func (t *Transport) recordSpend(requirement *x402.PaymentRequirements, resource string) {
	if t.Budget == nil {
		return
	}
	if amount, ok := new(big.Int).SetString(requiredAmount(requirement), 10); ok {
		t.Budget.RecordPayment(amount, resource)
	}
}

func (t *Transport) emit(event PaymentEvent) {
	if t.OnPayment != nil {
		t.OnPayment(event)
	}
}

// requiredAmount is what the payer actually spends: the source amount for
// cross-asset offers, the settlement amount otherwise.
func requiredAmount(req *x402.PaymentRequirements) string {
	if req.SrcAmountRequired != "" {
		return req.SrcAmountRequired
	}
	return req.MaxAmountRequired
}

// parseChallenge decodes a 402 body and drains the response.
func parseChallenge(resp *http.Response) (*x402.PaymentRequiredResponse, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	if err != nil {
		return nil, fmt.Errorf("read payment challenge: %w", err)
	}
	var challenge x402.PaymentRequiredResponse
	if err := json.Unmarshal(data, &challenge); err != nil {
		return nil, fmt.Errorf("parse payment challenge: %w", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, errors.New("payment challenge lists no accepted payments")
	}
	return &challenge, nil
}
