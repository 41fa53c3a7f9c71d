package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cleargate/x402"
)

// Negotiation headers a client uses to announce what it would rather pay
// with.
const (
	PreferredTokenHeader   = "X-Preferred-Token"
	PreferredNetworkHeader = "X-Preferred-Network"
)

// Quoter prices a cross-asset payment. *facilitator.Client implements it.
type Quoter interface {
	Quote(ctx context.Context, req *x402.QuoteRequest) (*x402.QuoteData, error)
}

// QuoteNegotiator folds facilitator quotes into 402 challenges: when a
// client announces a preferred asset or network that differs from the
// seller's settlement asset, it fetches a conversion quote and appends a
// cross-asset offer after the direct ones.
type QuoteNegotiator struct {
	Quoter Quoter
	Logger *slog.Logger
}

// NewQuoteNegotiator creates a negotiator backed by a quoter.
func NewQuoteNegotiator(q Quoter) *QuoteNegotiator {
	return &QuoteNegotiator{Quoter: q, Logger: slog.Default()}
}

// Negotiate returns the offers for a request. Direct offers always come
// first; a quote failure degrades to direct offers only, never to an error.
func (n *QuoteNegotiator) Negotiate(r *http.Request, accepts []x402.PaymentRequirements) []x402.PaymentRequirements {
	token := r.Header.Get(PreferredTokenHeader)
	network := r.Header.Get(PreferredNetworkHeader)
	if token == "" || network == "" {
		return accepts
	}

	primary := accepts[0]
	if primary.Network == network && primary.Asset == token {
		return accepts
	}

	data, err := n.Quoter.Quote(r.Context(), &x402.QuoteRequest{
		SrcNetwork: network,
		SrcAsset:   token,
		DstNetwork: primary.Network,
		DstAsset:   primary.Asset,
		DstAmount:  primary.MaxAmountRequired,
	})
	if err != nil {
		n.logger().Warn("quote unavailable, offering direct payment only",
			"preferredNetwork", network,
			"preferredToken", token,
			"error", err)
		return accepts
	}

	offer := primary
	offer.SrcNetwork = network
	offer.SrcTokenAddress = token
	offer.SrcAmountRequired = data.PaymentAmount

	extra := make(map[string]string, len(primary.Extra)+3)
	for k, v := range primary.Extra {
		extra[k] = v
	}
	extra[x402.ExtraPaymentAmount] = data.PaymentAmount
	extra[x402.ExtraFacilitatorAddress] = data.FacilitatorAddress
	extra[x402.ExtraFeePayer] = data.FeePayerAddress
	offer.Extra = extra

	return append(accepts, offer)
}

func (n *QuoteNegotiator) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
