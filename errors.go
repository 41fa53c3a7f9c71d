package x402

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors, surfaced before any network call.
	ErrQuoteRequired         = errors.New("x402: quote data required before building payload")
	ErrSchemeNotRegistered   = errors.New("x402: no scheme registered for scheme/network pair")
	ErrDuplicateScheme       = errors.New("x402: scheme already registered for scheme/network pair")
	ErrNoSigner              = errors.New("x402: no signing capability configured")
	ErrNoSubmitter           = errors.New("x402: no transaction submitter configured")
	ErrNoRPCClient           = errors.New("x402: no ledger rpc client configured")
	ErrUnsupportedNetwork    = errors.New("x402: unsupported network")

	// Payload decode errors. No verification is attempted on these.
	ErrMalformedHeader       = errors.New("x402: malformed payment header")
	ErrMalformedPayload      = errors.New("x402: malformed payment payload")
	ErrUnknownPayloadVariant = errors.New("x402: unknown payload variant")
	ErrNoMatchingRequirement = errors.New("x402: payment matches no accepted requirement")

	// Protocol-level rejections from the facilitator.
	ErrVerificationFailed = errors.New("x402: payment verification failed")
	ErrSettlementFailed   = errors.New("x402: payment settlement failed")

	// Transport failures. Never to be conflated with a payment rejection:
	// an unreachable facilitator or an ambiguous response means the payment
	// state is unknown, not invalid.
	ErrFacilitatorUnreachable = errors.New("x402: facilitator unreachable")

	// Ledger-specific errors.
	ErrUnknownTokenProgram = errors.New("x402: asset owned by no known token program")
	ErrInvalidAmount       = errors.New("x402: invalid amount")

	// Signer construction errors.
	ErrInvalidPrivateKey = errors.New("x402: invalid private key")
	ErrInvalidMnemonic   = errors.New("x402: invalid mnemonic phrase")
	ErrInvalidKeystore   = errors.New("x402: invalid keystore file")
	ErrWrongPassword     = errors.New("x402: wrong keystore password")

	// Client-side budget errors.
	ErrAmountExceedsLimit = errors.New("x402: payment amount exceeds configured limit")
	ErrRateLimitExceeded  = errors.New("x402: payment rate limit exceeded")
	ErrBudgetExceeded     = errors.New("x402: hourly spending budget exceeded")

	// ErrNoAcceptableOffer indicates no accepted payment offer can be built
	// with the locally registered schemes.
	ErrNoAcceptableOffer = errors.New("x402: no acceptable payment offer")
)

// ErrorCode classifies payment errors for programmatic handling.
type ErrorCode string

const (
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeMalformed     ErrorCode = "MALFORMED_PAYLOAD"
	ErrCodeVerification  ErrorCode = "VERIFICATION_FAILED"
	ErrCodeTransport     ErrorCode = "TRANSPORT_ERROR"
	ErrCodeSettlement    ErrorCode = "SETTLEMENT_FAILED"
)

// PaymentError carries a classified payment failure with optional context.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Details map[string]string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a classified payment error.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetail attaches a context key/value pair to the error.
func (e *PaymentError) WithDetail(key, value string) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}
