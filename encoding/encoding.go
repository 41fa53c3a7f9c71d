// Package encoding implements the wire codec for x402 payment data: base64
// over JSON for the X-PAYMENT request header and the X-PAYMENT-RESPONSE
// settlement header.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cleargate/x402"
)

// EncodePayment encodes a payment payload for the X-PAYMENT header.
func EncodePayment(payload *x402.PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment decodes an X-PAYMENT header value. The payload variant is
// selected by the envelope's network; unknown variants are rejected.
func DecodePayment(encoded string) (*x402.PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	var payload x402.PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	return &payload, nil
}

// EncodeSettlement encodes a settlement result for the X-PAYMENT-RESPONSE
// header.
func EncodeSettlement(result *x402.SettleResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal settlement result: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlement decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(encoded string) (*x402.SettleResult, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	var result x402.SettleResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	return &result, nil
}
