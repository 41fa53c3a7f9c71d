package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleargate/x402"
)

type mockQuoter struct {
	data  *x402.QuoteData
	err   error
	calls int
	last  *x402.QuoteRequest
}

func (m *mockQuoter) Quote(ctx context.Context, req *x402.QuoteRequest) (*x402.QuoteData, error) {
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return m.data, nil
}

func preferredRequest(network, token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	if network != "" {
		req.Header.Set(PreferredNetworkHeader, network)
	}
	if token != "" {
		req.Header.Set(PreferredTokenHeader, token)
	}
	return req
}

func TestNegotiateAddsCrossAssetOffer(t *testing.T) {
	quoter := &mockQuoter{data: &x402.QuoteData{
		PaymentAmount:      "510000",
		FacilitatorAddress: "FacAddr111",
		FeePayerAddress:    "FeePayer111",
	}}
	negotiator := NewQuoteNegotiator(quoter)

	primary := RequireUSDCBase("0x2222222222222222222222222222222222222222", "500000", "data")
	offers := negotiator.Negotiate(
		preferredRequest(x402.NetworkSolana, x402.USDCMintSolana),
		[]x402.PaymentRequirements{primary},
	)

	require.Len(t, offers, 2)
	// Direct settlement offer stays first.
	assert.Equal(t, x402.NetworkBase, offers[0].Network)
	assert.Empty(t, offers[0].SrcNetwork)

	cross := offers[1]
	assert.Equal(t, x402.NetworkBase, cross.Network)
	assert.Equal(t, x402.NetworkSolana, cross.SrcNetwork)
	assert.Equal(t, x402.USDCMintSolana, cross.SrcTokenAddress)
	assert.Equal(t, "510000", cross.SrcAmountRequired)
	assert.Equal(t, "510000", cross.Extra[x402.ExtraPaymentAmount])
	assert.Equal(t, "FacAddr111", cross.Extra[x402.ExtraFacilitatorAddress])
	assert.Equal(t, "FeePayer111", cross.Extra[x402.ExtraFeePayer])

	require.NotNil(t, quoter.last)
	assert.Equal(t, x402.NetworkSolana, quoter.last.SrcNetwork)
	assert.Equal(t, x402.NetworkBase, quoter.last.DstNetwork)
	assert.Equal(t, "500000", quoter.last.DstAmount)
}

func TestNegotiateWithoutPreferenceHeaders(t *testing.T) {
	quoter := &mockQuoter{}
	negotiator := NewQuoteNegotiator(quoter)

	primary := RequireUSDCBase("0x2222222222222222222222222222222222222222", "500000", "data")
	offers := negotiator.Negotiate(preferredRequest("", ""), []x402.PaymentRequirements{primary})

	assert.Len(t, offers, 1)
	assert.Equal(t, 0, quoter.calls)
}

func TestNegotiatePreferenceMatchesPrimary(t *testing.T) {
	quoter := &mockQuoter{}
	negotiator := NewQuoteNegotiator(quoter)

	primary := RequireUSDCBase("0x2222222222222222222222222222222222222222", "500000", "data")
	offers := negotiator.Negotiate(
		preferredRequest(x402.NetworkBase, x402.USDCAddressBase),
		[]x402.PaymentRequirements{primary},
	)

	assert.Len(t, offers, 1)
	assert.Equal(t, 0, quoter.calls)
}

func TestNegotiateQuoteFailureDegradesToDirect(t *testing.T) {
	quoter := &mockQuoter{err: fmt.Errorf("no rate available")}
	negotiator := NewQuoteNegotiator(quoter)

	primary := RequireUSDCBase("0x2222222222222222222222222222222222222222", "500000", "data")
	offers := negotiator.Negotiate(
		preferredRequest(x402.NetworkSolana, x402.USDCMintSolana),
		[]x402.PaymentRequirements{primary},
	)

	require.Len(t, offers, 1)
	assert.Empty(t, offers[0].SrcNetwork)
}

func TestNegotiatedOfferMatchesSourcePayment(t *testing.T) {
	quoter := &mockQuoter{data: &x402.QuoteData{
		PaymentAmount:      "510000",
		FacilitatorAddress: "FacAddr111",
		FeePayerAddress:    "FeePayer111",
	}}
	negotiator := NewQuoteNegotiator(quoter)

	primary := RequireUSDCBase("0x2222222222222222222222222222222222222222", "500000", "data")
	offers := negotiator.Negotiate(
		preferredRequest(x402.NetworkSolana, x402.USDCMintSolana),
		[]x402.PaymentRequirements{primary},
	)

	// A payload built on the source ledger matches the cross-asset offer.
	payload := &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkSolana,
		Payload:     x402.ExactSVMPayload{Transaction: "AQID"},
	}
	match, err := x402.FindMatchingRequirement(payload, offers)
	require.NoError(t, err)
	assert.Equal(t, x402.NetworkSolana, match.SrcNetwork)
}
