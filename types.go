// Package x402 implements the x402 HTTP micropayment protocol: a resource
// server answers unpaid requests with 402 Payment Required and a list of
// acceptable payment requirements, the client retries with a signed payment
// proof in the X-PAYMENT header, and a facilitator service verifies and
// settles the payment on-chain.
package x402

import (
	"encoding/json"
	"fmt"
)

// X402Version is the protocol version carried in every wire message.
const X402Version = 1

// SchemeExact is the identifier of the exact-amount payment scheme.
const SchemeExact = "exact"

// Protocol headers.
const (
	// HeaderPayment carries the client's base64-encoded payment proof.
	HeaderPayment = "X-Payment"
	// HeaderPaymentResponse carries the base64-encoded settlement outcome.
	HeaderPaymentResponse = "X-Payment-Response"
)

// Keys used in PaymentRequirements.Extra.
const (
	// ExtraName and ExtraVersion are the EIP-712 domain parameters of the
	// settlement token contract.
	ExtraName    = "name"
	ExtraVersion = "version"

	// ExtraDecimals is the token's decimal count, as a string.
	ExtraDecimals = "decimals"

	// ExtraFeePayer is the account that submits the transaction and pays
	// network fees on fee-sponsored ledgers.
	ExtraFeePayer = "feePayer"

	// ExtraFacilitatorAddress is the delegate (or transfer destination) the
	// payer grants spend rights to in the gasless flow.
	ExtraFacilitatorAddress = "facilitatorAddress"

	// ExtraPaymentAmount is the quoted source-asset amount the payer must
	// approve or transfer, in smallest units.
	ExtraPaymentAmount = "paymentAmount"
)

// PaymentRequirements describes one payment option a seller will accept for
// a resource. Amounts are decimal-string integers in the asset's smallest
// unit; floating point never appears on the wire.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`

	// Source-side fields, populated only when a cross-asset quote applies.
	// The client pays SrcAmountRequired of SrcTokenAddress on SrcNetwork;
	// the facilitator converts and settles Asset on Network.
	SrcNetwork        string `json:"srcNetwork,omitempty"`
	SrcTokenAddress   string `json:"srcTokenAddress,omitempty"`
	SrcAmountRequired string `json:"srcAmountRequired,omitempty"`

	// Extra carries scheme-specific side-channel data. See the Extra* keys.
	Extra map[string]string `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SchemePayload is the scheme-typed variant carried in PaymentPayload.
// Exactly one concrete shape exists per ledger family; verifiers reject any
// payload whose shape does not match their scheme.
type SchemePayload interface {
	isSchemePayload()
}

// EVMAuthorization holds the fields of an EIP-3009 transfer authorization.
// All numeric fields are decimal strings.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEVMPayload is the payment proof for account-abstraction-capable
// ledgers: a typed-data signature over a time-boxed, value-boxed transfer
// authorization, redeemable once on-chain by any submitter.
type ExactEVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

func (ExactEVMPayload) isSchemePayload() {}

// ExactSVMPayload is the payment proof for fee-sponsored ledgers: a base64
// serialized transaction carrying the payer's signature, an empty fee-payer
// signature slot for the sponsor to complete, and the recent-blockhash
// validity anchor.
type ExactSVMPayload struct {
	Transaction string `json:"transaction"`
}

func (ExactSVMPayload) isSchemePayload() {}

// PaymentPayload is the client's payment proof, sent base64-encoded in the
// X-PAYMENT request header.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     SchemePayload `json:"payload"`
}

// UnmarshalJSON decodes the envelope first and then parses the payload
// against the variant selected by the network namespace. Unknown variants
// are rejected rather than coerced.
func (p *PaymentPayload) UnmarshalJSON(data []byte) error {
	var env struct {
		X402Version int             `json:"x402Version"`
		Scheme      string          `json:"scheme"`
		Network     string          `json:"network"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}

	p.X402Version = env.X402Version
	p.Scheme = env.Scheme
	p.Network = env.Network

	switch NetworkTypeOf(env.Network) {
	case NetworkTypeEVM:
		var pl ExactEVMPayload
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if pl.Signature == "" || pl.Authorization.From == "" || pl.Authorization.To == "" {
			return fmt.Errorf("%w: authorization payload missing required fields", ErrMalformedPayload)
		}
		p.Payload = pl
	case NetworkTypeSVM:
		var pl ExactSVMPayload
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if pl.Transaction == "" {
			return fmt.Errorf("%w: transaction payload missing serialized transaction", ErrMalformedPayload)
		}
		p.Payload = pl
	default:
		return fmt.Errorf("%w: network %q", ErrUnknownPayloadVariant, env.Network)
	}
	return nil
}

// EVM returns the EVM-shaped payload, or false when the payload has a
// different shape.
func (p *PaymentPayload) EVM() (ExactEVMPayload, bool) {
	pl, ok := p.Payload.(ExactEVMPayload)
	return pl, ok
}

// SVM returns the SVM-shaped payload, or false when the payload has a
// different shape.
func (p *PaymentPayload) SVM() (ExactSVMPayload, bool) {
	pl, ok := p.Payload.(ExactSVMPayload)
	return pl, ok
}

// VerifyResult is the facilitator's answer to a verification request.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult is the facilitator's answer to a settlement request. It is
// also the content of the X-PAYMENT-RESPONSE header.
type SettleResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// QuoteRequest asks the facilitator to price a cross-asset payment: the
// client wants to deliver DstAmount of DstAsset on DstNetwork while paying
// with SrcAsset on SrcNetwork.
type QuoteRequest struct {
	SrcNetwork string `json:"srcNetwork"`
	SrcAsset   string `json:"srcAsset"`
	DstNetwork string `json:"dstNetwork"`
	DstAsset   string `json:"dstAsset"`
	DstAmount  string `json:"dstAmount"`
}

// QuoteData is the conversion data a gasless or cross-asset payload is built
// from. PaymentAmount is in source-asset smallest units.
type QuoteData struct {
	PaymentAmount      string `json:"paymentAmount"`
	FacilitatorAddress string `json:"facilitatorAddress"`
	FeePayerAddress    string `json:"feePayerAddress"`
	ExpiresAt          int64  `json:"expiresAt,omitempty"`
}

// QuoteResponse is the facilitator's answer to a quote request. Quotes are
// ephemeral: built per 402 cycle and discarded once the retried request
// completes or the quote expires.
type QuoteResponse struct {
	Data QuoteData `json:"data"`
}

// SupportedKind identifies one (scheme, network) pair a facilitator can
// verify and settle.
type SupportedKind struct {
	X402Version int               `json:"x402Version"`
	Scheme      string            `json:"scheme"`
	Network     string            `json:"network"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// FindMatchingRequirement selects the accepted requirement a payment payload
// answers. Direct offers match on (scheme, network); cross-asset offers
// match the payload's network against the offer's source network, since the
// client pays on the source ledger.
func FindMatchingRequirement(payload *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range accepts {
		req := &accepts[i]
		if req.Scheme != payload.Scheme {
			continue
		}
		if req.Network == payload.Network {
			return req, nil
		}
		if req.SrcNetwork != "" && req.SrcNetwork == payload.Network {
			return req, nil
		}
	}
	return nil, fmt.Errorf("%w: scheme=%s network=%s", ErrNoMatchingRequirement, payload.Scheme, payload.Network)
}
