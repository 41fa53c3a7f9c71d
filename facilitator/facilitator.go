// Package facilitator implements both sides of the x402 facilitator
// protocol: an HTTP client used by resource servers to verify and settle
// payments, and an HTTP handler exposing a scheme registry as a facilitator
// service.
package facilitator

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cleargate/x402"
)

// Request is the body of verify and settle calls.
type Request struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// SupportedResponse lists the (scheme, network) pairs the facilitator can
// verify and settle.
type SupportedResponse struct {
	Kinds []x402.SupportedKind `json:"kinds"`
}

// errorResponse is the body of non-200 protocol answers.
type errorResponse struct {
	Error string `json:"error"`
}

// paymentKey derives a stable replay-guard identity for a payment. EVM
// payments are identified by their authorization nonce and payer; SVM
// payments by a digest of the serialized transaction.
func paymentKey(payload *x402.PaymentPayload) string {
	if pl, ok := payload.EVM(); ok {
		return payload.Network + ":" + pl.Authorization.From + ":" + pl.Authorization.Nonce
	}
	if pl, ok := payload.SVM(); ok {
		sum := sha256.Sum256([]byte(pl.Transaction))
		return payload.Network + ":" + hex.EncodeToString(sum[:])
	}
	return ""
}
