// Package server provides HTTP middleware that gates resources behind x402
// payments: unpaid requests get a 402 challenge, paid requests are verified
// through a facilitator before the wrapped handler runs, and settlement is
// tied to the response commit.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/cleargate/x402"
	"github.com/cleargate/x402/encoding"
)

// PaymentHeader carries the client's payment proof.
const PaymentHeader = x402.HeaderPayment

// PaymentResponseHeader carries the settlement outcome back to the client.
const PaymentResponseHeader = x402.HeaderPaymentResponse

// Facilitator is the verification and settlement capability the middleware
// depends on. *facilitator.Client implements it.
type Facilitator interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResult, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResult, error)
}

// SettlementPolicy decides when settle runs relative to the response.
type SettlementPolicy int

const (
	// SettleBeforeResponse settles at the response commit point, so the
	// X-PAYMENT-RESPONSE header carries the real outcome and a settlement
	// failure turns the response into a 402.
	SettleBeforeResponse SettlementPolicy = iota

	// SettleAsync sends the response first and settles in the background.
	// The settlement outcome is only logged.
	SettleAsync
)

// Pricer returns the payment options required for a request. An empty slice
// means the request is free and passes through.
type Pricer func(r *http.Request) []x402.PaymentRequirements

// StaticPrice prices every request with the same requirements.
func StaticPrice(reqs ...x402.PaymentRequirements) Pricer {
	return func(*http.Request) []x402.PaymentRequirements {
		return reqs
	}
}

// Config wires the middleware.
type Config struct {
	Facilitator Facilitator
	Pricer      Pricer

	// Negotiator adds cross-asset offers for clients that announce a
	// preferred payment asset. Optional.
	Negotiator *QuoteNegotiator

	Policy SettlementPolicy

	// VerifyOnly serves the resource after verification without settling,
	// for servers that batch settlement elsewhere.
	VerifyOnly bool

	Logger *slog.Logger
}

// NewMiddleware returns the payment-gating middleware. It panics when the
// facilitator or pricer is missing, since both are startup wiring.
func NewMiddleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Facilitator == nil {
		panic("x402: middleware requires a facilitator")
	}
	if cfg.Pricer == nil {
		panic("x402: middleware requires a pricer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accepts := cfg.Pricer(r)
			if len(accepts) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.Negotiator != nil {
				accepts = cfg.Negotiator.Negotiate(r, accepts)
			}

			header := r.Header.Get(PaymentHeader)
			if header == "" {
				writePaymentRequired(w, accepts, "X-PAYMENT header is required")
				return
			}

			payload, err := encoding.DecodePayment(header)
			if err != nil {
				writePaymentRequired(w, accepts, fmt.Sprintf("invalid payment header: %v", err))
				return
			}
			requirement, err := x402.FindMatchingRequirement(payload, accepts)
			if err != nil {
				writePaymentRequired(w, accepts, err.Error())
				return
			}

			verify, err := cfg.Facilitator.Verify(r.Context(), payload, requirement)
			if err != nil {
				// Transport failure: payment state unknown, never treated
				// as a rejection.
				cfg.Logger.Error("payment verification unavailable", "error", err)
				writeError(w, http.StatusServiceUnavailable, "payment verification unavailable")
				return
			}
			if !verify.IsValid {
				cfg.Logger.Info("rejected payment",
					"reason", verify.InvalidReason,
					"scheme", payload.Scheme,
					"network", payload.Network)
				writePaymentRequired(w, accepts, verify.InvalidReason)
				return
			}

			details := &PaymentDetails{
				Payer:   verify.Payer,
				Scheme:  payload.Scheme,
				Network: payload.Network,
				Amount:  requirement.MaxAmountRequired,
			}
			r = r.WithContext(withPayment(r.Context(), details))

			switch {
			case cfg.VerifyOnly:
				next.ServeHTTP(w, r)
			case cfg.Policy == SettleAsync:
				next.ServeHTTP(w, r)
				// Detached context: the client going away must not abandon
				// a settlement already owed.
				go settleDetached(context.WithoutCancel(r.Context()), cfg, payload, requirement)
			default:
				interceptor := &settlementInterceptor{
					ResponseWriter: w,
					settle: func() (*x402.SettleResult, error) {
						return cfg.Facilitator.Settle(context.WithoutCancel(r.Context()), payload, requirement)
					},
					accepts: accepts,
					logger:  cfg.Logger,
				}
				next.ServeHTTP(interceptor, r)
				interceptor.finish()
			}
		})
	}
}

func settleDetached(ctx context.Context, cfg Config, payload *x402.PaymentPayload, requirement *x402.PaymentRequirements) {
	result, err := cfg.Facilitator.Settle(ctx, payload, requirement)
	if err != nil {
		cfg.Logger.Error("async settlement failed", "error", err)
		return
	}
	if !result.Success {
		cfg.Logger.Error("async settlement rejected", "reason", result.ErrorReason)
		return
	}
	cfg.Logger.Info("settled payment async",
		"transaction", result.Transaction,
		"network", result.Network,
		"payer", result.Payer)
}

// settlementInterceptor delays the response commit until settlement has
// run. Settle happens exactly once, at the first WriteHeader with a success
// status; error responses from the handler skip settlement entirely.
type settlementInterceptor struct {
	http.ResponseWriter
	settle  func() (*x402.SettleResult, error)
	accepts []x402.PaymentRequirements
	logger  *slog.Logger

	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) WriteHeader(status int) {
	if i.committed {
		return
	}
	i.committed = true

	if status >= http.StatusBadRequest {
		i.ResponseWriter.WriteHeader(status)
		return
	}

	result, err := i.settle()
	if err != nil {
		i.logger.Error("settlement failed", "error", err)
		i.replaceWith402("payment settlement failed")
		return
	}
	if !result.Success {
		i.logger.Error("settlement rejected", "reason", result.ErrorReason)
		i.replaceWith402(result.ErrorReason)
		return
	}

	if encoded, err := encoding.EncodeSettlement(result); err == nil {
		i.Header().Set(PaymentResponseHeader, encoded)
	}
	i.logger.Info("settled payment",
		"transaction", result.Transaction,
		"network", result.Network,
		"payer", result.Payer)
	i.ResponseWriter.WriteHeader(status)
}

// replaceWith402 swaps the handler's pending success response for a payment
// challenge. The handler's body writes are discarded afterwards.
func (i *settlementInterceptor) replaceWith402(reason string) {
	i.hijacked = true
	i.Header().Del("Content-Length")
	writePaymentRequired(i.ResponseWriter, i.accepts, reason)
}

func (i *settlementInterceptor) Write(p []byte) (int, error) {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	if i.hijacked {
		// Pretend the write succeeded so the handler completes normally.
		return len(p), nil
	}
	return i.ResponseWriter.Write(p)
}

// finish settles even when the handler wrote nothing at all.
func (i *settlementInterceptor) finish() {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
}

func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.ResponseWriter.(http.Flusher); ok && !i.hijacked {
		flusher.Flush()
	}
}

func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := i.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func writePaymentRequired(w http.ResponseWriter, accepts []x402.PaymentRequirements, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(&x402.PaymentRequiredResponse{
		X402Version: x402.X402Version,
		Error:       reason,
		Accepts:     accepts,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type contextKey struct{}

// PaymentDetails is what the wrapped handler can learn about the payment
// that unlocked the request.
type PaymentDetails struct {
	Payer   string
	Scheme  string
	Network string
	Amount  string
}

func withPayment(ctx context.Context, details *PaymentDetails) context.Context {
	return context.WithValue(ctx, contextKey{}, details)
}

// PaymentFromContext returns the verified payment details for the request,
// when the middleware admitted it.
func PaymentFromContext(ctx context.Context) (*PaymentDetails, bool) {
	details, ok := ctx.Value(contextKey{}).(*PaymentDetails)
	return details, ok
}
