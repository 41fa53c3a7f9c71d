package evm

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleargate/x402"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testPayTo      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func testRequirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkBaseSepolia,
		MaxAmountRequired: "10000",
		Asset:             x402.USDCAddressBaseSepolia,
		PayTo:             testPayTo,
		Resource:          "https://api.example.com/data",
		MaxTimeoutSeconds: 300,
		Extra: map[string]string{
			x402.ExtraName:    "USDC",
			x402.ExtraVersion: "2",
		},
	}
}

func testScheme(t *testing.T, opts ...Option) *ExactScheme {
	t.Helper()
	scheme, err := NewExactScheme(x402.NetworkBaseSepolia, opts...)
	require.NoError(t, err)
	return scheme
}

func signedPayload(t *testing.T, req *x402.PaymentRequirements) *x402.PaymentPayload {
	t.Helper()
	signer, err := NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)
	payload, err := testScheme(t, WithSigner(signer)).BuildPayload(context.Background(), req)
	require.NoError(t, err)
	return payload
}

func TestNewExactSchemeUnknownNetwork(t *testing.T) {
	_, err := NewExactScheme("unknown-chain")
	assert.ErrorIs(t, err, x402.ErrUnsupportedNetwork)
}

func TestBuildPayloadRequiresSigner(t *testing.T) {
	_, err := testScheme(t).BuildPayload(context.Background(), testRequirements())
	assert.ErrorIs(t, err, x402.ErrNoSigner)
}

func TestBuildPayloadRejectsBadAmount(t *testing.T) {
	signer, err := NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)
	req := testRequirements()
	req.MaxAmountRequired = "ten"
	_, err = testScheme(t, WithSigner(signer)).BuildPayload(context.Background(), req)
	assert.ErrorIs(t, err, x402.ErrInvalidAmount)
}

func TestBuildThenVerify(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	assert.Equal(t, x402.X402Version, payload.X402Version)
	assert.Equal(t, x402.SchemeExact, payload.Scheme)
	assert.Equal(t, x402.NetworkBaseSepolia, payload.Network)

	pl, ok := payload.EVM()
	require.True(t, ok)
	assert.Equal(t, testAddress, pl.Authorization.From)
	assert.Equal(t, testPayTo, pl.Authorization.To)
	assert.Equal(t, "10000", pl.Authorization.Value)

	result, err := testScheme(t).Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, result.IsValid, result.InvalidReason)
	assert.Equal(t, testAddress, result.Payer)
}

func TestVerifyRejectsWrongPayloadShape(t *testing.T) {
	payload := &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkSolana,
		Payload:     x402.ExactSVMPayload{Transaction: "AQID"},
	}
	result, err := testScheme(t).Verify(context.Background(), payload, testRequirements())
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "shape")
}

func TestVerifyRejectsInsufficientValue(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	higher := testRequirements()
	higher.MaxAmountRequired = "20000"
	result, err := testScheme(t).Verify(context.Background(), payload, higher)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "less than required")
}

func TestVerifyRejectsRecipientMismatch(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	other := testRequirements()
	other.PayTo = testAddress
	result, err := testScheme(t).Verify(context.Background(), payload, other)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "recipient")
}

func TestVerifyRejectsExpiredAuthorization(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	pl, _ := payload.EVM()
	pl.Authorization.ValidBefore = fmt.Sprint(time.Now().Unix() - 1)
	payload.Payload = pl

	result, err := testScheme(t).Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "expired")
}

func TestVerifyRejectsNotYetValidAuthorization(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	pl, _ := payload.EVM()
	pl.Authorization.ValidAfter = fmt.Sprint(time.Now().Add(time.Hour).Unix())
	payload.Payload = pl

	result, err := testScheme(t).Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "not yet valid")
}

func TestVerifyRejectsTamperedNonce(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	pl, _ := payload.EVM()
	pl.Authorization.Nonce = common.HexToHash("0xdeadbeef").Hex()
	payload.Payload = pl

	result, err := testScheme(t).Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "signature does not match payer")
}

func TestVerifyRejectsWrongAssetDomain(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	// Signature was produced over the original asset's domain; verifying
	// against a different asset recovers a different address.
	other := testRequirements()
	other.Asset = x402.USDCAddressBase
	result, err := testScheme(t).Verify(context.Background(), payload, other)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "signature does not match payer")
}

func TestVerifyRejectsNetworkMismatch(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)
	payload.Network = x402.NetworkBase

	result, err := testScheme(t).Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "network")
}

func TestVerifyRejectsMalformedValue(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	pl, _ := payload.EVM()
	pl.Authorization.Value = "not-a-number"
	payload.Payload = pl

	result, err := testScheme(t).Verify(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
}

type mockSubmitter struct {
	token    common.Address
	calldata []byte
	txHash   string
	err      error
}

func (m *mockSubmitter) Submit(ctx context.Context, token common.Address, calldata []byte) (string, error) {
	m.token = token
	m.calldata = calldata
	if m.err != nil {
		return "", m.err
	}
	return m.txHash, nil
}

func TestSettleRequiresSubmitter(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)
	_, err := testScheme(t).Settle(context.Background(), payload, req)
	assert.ErrorIs(t, err, x402.ErrNoSubmitter)
}

func TestSettleSubmitsCalldata(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	sub := &mockSubmitter{txHash: "0xabc123"}
	result, err := testScheme(t, WithSubmitter(sub)).Settle(context.Background(), payload, req)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "0xabc123", result.Transaction)
	assert.Equal(t, x402.NetworkBaseSepolia, result.Network)
	assert.Equal(t, testAddress, result.Payer)

	assert.Equal(t, common.HexToAddress(req.Asset), sub.token)
	// selector plus seven ABI-encoded arguments.
	assert.Greater(t, len(sub.calldata), 4+7*32)
}

func TestSettleReportsSubmitFailure(t *testing.T) {
	req := testRequirements()
	payload := signedPayload(t, req)

	sub := &mockSubmitter{err: fmt.Errorf("nonce already used")}
	result, err := testScheme(t, WithSubmitter(sub)).Settle(context.Background(), payload, req)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "nonce already used", result.ErrorReason)
	assert.Equal(t, testAddress, result.Payer)
}

func TestAuthorizationWindow(t *testing.T) {
	auth, err := NewAuthorization(
		common.HexToAddress(testAddress),
		common.HexToAddress(testPayTo),
		big.NewInt(10000),
		600,
	)
	require.NoError(t, err)

	now := time.Now().Unix()
	assert.LessOrEqual(t, auth.ValidAfter.Int64(), now)
	assert.Greater(t, auth.ValidBefore.Int64(), now+590)
	assert.NotEqual(t, [32]byte{}, auth.Nonce)
}
