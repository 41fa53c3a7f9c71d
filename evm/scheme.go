package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cleargate/x402"
)

// verifySkew tolerates small clock differences between the payer and the
// verifier when checking the start of the validity window. Expiry is strict.
const verifySkew = 5 * time.Second

// Submitter broadcasts transferWithAuthorization calldata to a token
// contract and returns the transaction hash once submitted.
type Submitter interface {
	Submit(ctx context.Context, token common.Address, calldata []byte) (string, error)
}

// ExactScheme implements the exact-amount scheme on one EVM network.
// The signer is needed only to build payloads; the submitter only to settle.
// Either side can run with just its half configured.
type ExactScheme struct {
	network   string
	chainID   *big.Int
	signer    TypedDataSigner
	submitter Submitter
}

// Option configures an ExactScheme.
type Option func(*ExactScheme)

// WithSigner attaches the payload-building signing capability.
func WithSigner(s TypedDataSigner) Option {
	return func(e *ExactScheme) { e.signer = s }
}

// WithSubmitter attaches the settlement submission capability.
func WithSubmitter(s Submitter) Option {
	return func(e *ExactScheme) { e.submitter = s }
}

// NewExactScheme creates the exact scheme for a known EVM network.
func NewExactScheme(network string, opts ...Option) (*ExactScheme, error) {
	chainID := x402.GetChainID(network)
	if chainID == nil {
		return nil, fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, network)
	}
	e := &ExactScheme{network: network, chainID: chainID}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *ExactScheme) Scheme() string  { return x402.SchemeExact }
func (e *ExactScheme) Network() string { return e.network }

// BuildPayload creates and signs a transfer authorization for the full
// required amount.
func (e *ExactScheme) BuildPayload(ctx context.Context, req *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if e.signer == nil {
		return nil, x402.ErrNoSigner
	}

	value, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: maxAmountRequired %q", x402.ErrInvalidAmount, req.MaxAmountRequired)
	}
	name, version, err := domainParams(req)
	if err != nil {
		return nil, err
	}

	auth, err := NewAuthorization(e.signer.Address(), common.HexToAddress(req.PayTo), value, req.MaxTimeoutSeconds)
	if err != nil {
		return nil, err
	}

	digest, err := authorizationDigest(auth, common.HexToAddress(req.Asset), e.chainID, name, version)
	if err != nil {
		return nil, err
	}
	sig, err := e.signer.SignHash(digest)
	if err != nil {
		return nil, err
	}
	// Contracts expect the Ethereum recovery id convention.
	sig[64] += 27

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     e.network,
		Payload: x402.ExactEVMPayload{
			Signature:     "0x" + hex.EncodeToString(sig),
			Authorization: auth.Wire(),
		},
	}, nil
}

// Verify checks the authorization against the requirements and recovers the
// signer from the typed-data signature. Every rejection carries a specific
// reason; shape mismatches are rejections, not errors.
func (e *ExactScheme) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	pl, ok := payload.EVM()
	if !ok {
		return invalid("payload shape does not match scheme"), nil
	}
	if payload.Scheme != x402.SchemeExact {
		return invalid(fmt.Sprintf("unexpected scheme %q", payload.Scheme)), nil
	}
	if payload.Network != e.network {
		return invalid(fmt.Sprintf("payload network %q does not match %q", payload.Network, e.network)), nil
	}

	auth, err := parseAuthorization(pl.Authorization)
	if err != nil {
		return invalid(err.Error()), nil
	}

	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("%w: maxAmountRequired %q", x402.ErrInvalidAmount, req.MaxAmountRequired)
	}
	if auth.Value.Cmp(required) < 0 {
		return invalid(fmt.Sprintf("authorized value %s is less than required %s", auth.Value, required)), nil
	}
	if auth.To != common.HexToAddress(req.PayTo) {
		return invalid(fmt.Sprintf("recipient %s does not match payTo %s", auth.To.Hex(), req.PayTo)), nil
	}

	now := time.Now()
	if big.NewInt(now.Add(verifySkew).Unix()).Cmp(auth.ValidAfter) < 0 {
		return invalid("authorization not yet valid"), nil
	}
	if big.NewInt(now.Unix()).Cmp(auth.ValidBefore) >= 0 {
		return invalid("authorization expired"), nil
	}

	name, version, err := domainParams(req)
	if err != nil {
		return nil, err
	}
	digest, err := authorizationDigest(auth, common.HexToAddress(req.Asset), e.chainID, name, version)
	if err != nil {
		return nil, err
	}
	signer, err := recoverSigner(digest, pl.Signature)
	if err != nil {
		return invalid(fmt.Sprintf("unrecoverable signature: %v", err)), nil
	}
	if signer != auth.From {
		return invalid("signature does not match payer"), nil
	}

	return &x402.VerifyResult{IsValid: true, Payer: auth.From.Hex()}, nil
}

// Settle redeems the authorization on-chain through the configured
// submitter. Submission failures are settlement results, not errors.
func (e *ExactScheme) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResult, error) {
	if e.submitter == nil {
		return nil, x402.ErrNoSubmitter
	}
	pl, ok := payload.EVM()
	if !ok {
		return nil, fmt.Errorf("%w: payload shape does not match scheme", x402.ErrMalformedPayload)
	}
	auth, err := parseAuthorization(pl.Authorization)
	if err != nil {
		return nil, err
	}

	calldata, err := packTransferWithAuthorization(auth, pl.Signature)
	if err != nil {
		return nil, err
	}

	txHash, err := e.submitter.Submit(ctx, common.HexToAddress(req.Asset), calldata)
	if err != nil {
		return &x402.SettleResult{
			Success:     false,
			Network:     e.network,
			Payer:       auth.From.Hex(),
			ErrorReason: err.Error(),
		}, nil
	}
	return &x402.SettleResult{
		Success:     true,
		Transaction: txHash,
		Network:     e.network,
		Payer:       auth.From.Hex(),
	}, nil
}

func invalid(reason string) *x402.VerifyResult {
	return &x402.VerifyResult{IsValid: false, InvalidReason: reason}
}

// domainParams extracts the token's EIP-712 domain name and version from the
// requirement's extra data.
func domainParams(req *x402.PaymentRequirements) (name, version string, err error) {
	name = req.Extra[x402.ExtraName]
	version = req.Extra[x402.ExtraVersion]
	if name == "" || version == "" {
		return "", "", fmt.Errorf("%w: requirements missing token domain name/version", x402.ErrMalformedPayload)
	}
	return name, version, nil
}

// recoverSigner recovers the signing address from a 65-byte hex signature
// over a typed-data digest.
func recoverSigner(digest []byte, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want 65", len(sig))
	}
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

const transferWithAuthorizationABI = `[{"name":"transferWithAuthorization","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"signature","type":"bytes"}]}]`

var (
	transferABIOnce sync.Once
	transferABI     abi.ABI
	transferABIErr  error
)

// packTransferWithAuthorization builds the calldata that redeems an
// authorization on an EIP-3009 token contract.
func packTransferWithAuthorization(auth *Authorization, signature string) ([]byte, error) {
	transferABIOnce.Do(func() {
		transferABI, transferABIErr = abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	})
	if transferABIErr != nil {
		return nil, fmt.Errorf("parse transferWithAuthorization abi: %w", transferABIErr)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	calldata, err := transferABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, sig)
	if err != nil {
		return nil, fmt.Errorf("pack calldata: %w", err)
	}
	return calldata, nil
}
