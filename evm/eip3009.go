// Package evm implements the exact payment scheme for EVM chains whose
// settlement assets support EIP-3009 transfer authorizations: an off-chain
// typed-data signature binding payer, payee, exact value and a validity
// window, redeemable once on-chain by any submitter.
package evm

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/cleargate/x402"
)

// Authorization is the parsed form of an EIP-3009 transfer authorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// validAfterSkew backdates the window start so a payload signed on a clock
// slightly ahead of the verifier is still accepted.
const validAfterSkew = 10 * time.Second

// NewAuthorization creates an authorization for an exact transfer, valid
// from now (minus clock-skew backdating) until now+timeoutSeconds.
func NewAuthorization(from, to common.Address, value *big.Int, timeoutSeconds int) (*Authorization, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate authorization nonce: %w", err)
	}

	now := time.Now()
	return &Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now.Add(-validAfterSkew).Unix()),
		ValidBefore: big.NewInt(now.Unix() + int64(timeoutSeconds)),
		Nonce:       nonce,
	}, nil
}

// Wire converts the authorization to its decimal-string wire form.
func (a *Authorization) Wire() x402.EVMAuthorization {
	return x402.EVMAuthorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       common.BytesToHash(a.Nonce[:]).Hex(),
	}
}

// parseAuthorization parses the wire form back into typed fields.
func parseAuthorization(wire x402.EVMAuthorization) (*Authorization, error) {
	value, ok := new(big.Int).SetString(wire.Value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: value %q", x402.ErrMalformedPayload, wire.Value)
	}
	validAfter, ok := new(big.Int).SetString(wire.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("%w: validAfter %q", x402.ErrMalformedPayload, wire.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(wire.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("%w: validBefore %q", x402.ErrMalformedPayload, wire.ValidBefore)
	}
	return &Authorization{
		From:        common.HexToAddress(wire.From),
		To:          common.HexToAddress(wire.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       common.HexToHash(wire.Nonce),
	}, nil
}

// typedData builds the EIP-712 structure for a TransferWithAuthorization.
// The token contract is the verifying contract, which pins the asset: a
// signature over a different asset recovers to a different address.
func typedData(auth *Authorization, token common.Address, chainID *big.Int, name, version string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

// authorizationDigest computes the EIP-712 signing digest for an
// authorization bound to a token contract on a chain.
func authorizationDigest(auth *Authorization, token common.Address, chainID *big.Int, name, version string) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(typedData(auth, token, chainID, name, version))
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return digest, nil
}
