package encoding

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleargate/x402"
)

func TestPaymentHeaderRoundTrip(t *testing.T) {
	payload := &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkBaseSepolia,
		Payload: x402.ExactEVMPayload{
			Signature: "0xababab",
			Authorization: x402.EVMAuthorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "10000",
				ValidAfter:  "100",
				ValidBefore: "200",
				Nonce:       "0x0101010101010101010101010101010101010101010101010101010101010101",
			},
		},
	}

	header, err := EncodePayment(payload)
	require.NoError(t, err)
	// Header must be transport-safe base64.
	_, err = base64.StdEncoding.DecodeString(header)
	require.NoError(t, err)

	decoded, err := DecodePayment(header)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodePaymentRejectsGarbage(t *testing.T) {
	_, err := DecodePayment("!!definitely not base64!!")
	assert.ErrorIs(t, err, x402.ErrMalformedHeader)

	// Valid base64, invalid JSON.
	_, err = DecodePayment(base64.StdEncoding.EncodeToString([]byte("not json")))
	assert.ErrorIs(t, err, x402.ErrMalformedHeader)
}

func TestSettlementHeaderRoundTrip(t *testing.T) {
	result := &x402.SettleResult{
		Success:     true,
		Transaction: "0xdeadbeef",
		Network:     x402.NetworkBase,
		Payer:       "0x1111111111111111111111111111111111111111",
	}

	header, err := EncodeSettlement(result)
	require.NoError(t, err)

	decoded, err := DecodeSettlement(header)
	require.NoError(t, err)
	assert.Equal(t, result, decoded)
}

func TestDecodeSettlementRejectsGarbage(t *testing.T) {
	_, err := DecodeSettlement("%%%")
	assert.ErrorIs(t, err, x402.ErrMalformedHeader)
}
