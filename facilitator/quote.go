package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cleargate/x402"
)

// QuoteProvider prices a cross-asset or gasless payment: how much of the
// source asset the payer must approve or transfer to deliver the requested
// destination amount.
type QuoteProvider interface {
	Quote(ctx context.Context, req *x402.QuoteRequest) (*x402.QuoteData, error)
}

// RatePair identifies a conversion from one asset to another across
// networks.
type RatePair struct {
	SrcNetwork string
	SrcAsset   string
	DstNetwork string
	DstAsset   string
}

// Rate is a conversion ratio in smallest units: paymentAmount =
// ceil(dstAmount * Num / Den).
type Rate struct {
	Num *big.Int
	Den *big.Int
}

// RateQuoteProvider prices payments from a static rate table. Quotes carry
// the facilitator's delegate and fee-payer addresses and a validity window.
type RateQuoteProvider struct {
	FacilitatorAddress string
	FeePayerAddress    string
	QuoteTTL           time.Duration

	rates map[RatePair]Rate
	now   func() time.Time
}

// NewRateQuoteProvider creates a provider with the given addresses and an
// empty rate table.
func NewRateQuoteProvider(facilitatorAddress, feePayerAddress string, ttl time.Duration) *RateQuoteProvider {
	return &RateQuoteProvider{
		FacilitatorAddress: facilitatorAddress,
		FeePayerAddress:    feePayerAddress,
		QuoteTTL:           ttl,
		rates:              make(map[RatePair]Rate),
		now:                time.Now,
	}
}

// SetRate registers the conversion ratio for a pair. Call before serving;
// the table is not safe for concurrent mutation.
func (p *RateQuoteProvider) SetRate(pair RatePair, num, den int64) *RateQuoteProvider {
	p.rates[pair] = Rate{Num: big.NewInt(num), Den: big.NewInt(den)}
	return p
}

// Quote prices the request against the rate table. Rounding is always up:
// the payer never underpays by a smallest unit.
func (p *RateQuoteProvider) Quote(ctx context.Context, req *x402.QuoteRequest) (*x402.QuoteData, error) {
	rate, ok := p.rates[RatePair{
		SrcNetwork: req.SrcNetwork,
		SrcAsset:   req.SrcAsset,
		DstNetwork: req.DstNetwork,
		DstAsset:   req.DstAsset,
	}]
	if !ok {
		return nil, fmt.Errorf("%w: no rate for %s/%s -> %s/%s",
			x402.ErrUnsupportedNetwork, req.SrcNetwork, req.SrcAsset, req.DstNetwork, req.DstAsset)
	}

	dstAmount, ok := new(big.Int).SetString(req.DstAmount, 10)
	if !ok || dstAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: dstAmount %q", x402.ErrInvalidAmount, req.DstAmount)
	}

	payment := new(big.Int).Mul(dstAmount, rate.Num)
	payment, rem := payment.QuoRem(payment, rate.Den, new(big.Int))
	if rem.Sign() != 0 {
		payment.Add(payment, big.NewInt(1))
	}

	data := &x402.QuoteData{
		PaymentAmount:      payment.String(),
		FacilitatorAddress: p.FacilitatorAddress,
		FeePayerAddress:    p.FeePayerAddress,
	}
	if p.QuoteTTL > 0 {
		data.ExpiresAt = p.now().Add(p.QuoteTTL).Unix()
	}
	return data, nil
}
