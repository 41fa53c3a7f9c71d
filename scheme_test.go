package x402

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheme struct {
	scheme  string
	network string
}

func (f *fakeScheme) Scheme() string  { return f.scheme }
func (f *fakeScheme) Network() string { return f.network }

func (f *fakeScheme) BuildPayload(ctx context.Context, req *PaymentRequirements) (*PaymentPayload, error) {
	return nil, ErrNoSigner
}

func (f *fakeScheme) Verify(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*VerifyResult, error) {
	return &VerifyResult{IsValid: true}, nil
}

func (f *fakeScheme) Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*SettleResult, error) {
	return &SettleResult{Success: true}, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()
	scheme := &fakeScheme{scheme: SchemeExact, network: NetworkBase}
	require.NoError(t, registry.Register(scheme))

	found, err := registry.Lookup(SchemeExact, NetworkBase)
	require.NoError(t, err)
	assert.Same(t, scheme, found.(*fakeScheme))
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&fakeScheme{scheme: SchemeExact, network: NetworkBase}))

	err := registry.Register(&fakeScheme{scheme: SchemeExact, network: NetworkBase})
	assert.ErrorIs(t, err, ErrDuplicateScheme)

	// A different network is a different pair.
	assert.NoError(t, registry.Register(&fakeScheme{scheme: SchemeExact, network: NetworkPolygon}))
}

func TestRegistryLookupUnregistered(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Lookup(SchemeExact, NetworkSolana)
	assert.ErrorIs(t, err, ErrSchemeNotRegistered)
}

func TestRegistryMustRegisterPanics(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&fakeScheme{scheme: SchemeExact, network: NetworkBase})
	assert.Panics(t, func() {
		registry.MustRegister(&fakeScheme{scheme: SchemeExact, network: NetworkBase})
	})
}

func TestRegistrySupportedIsSorted(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&fakeScheme{scheme: SchemeExact, network: NetworkSolana})
	registry.MustRegister(&fakeScheme{scheme: SchemeExact, network: NetworkBase})
	registry.MustRegister(&fakeScheme{scheme: SchemeExact, network: NetworkPolygon})

	kinds := registry.Supported()
	require.Len(t, kinds, 3)
	assert.Equal(t, NetworkBase, kinds[0].Network)
	assert.Equal(t, NetworkPolygon, kinds[1].Network)
	assert.Equal(t, NetworkSolana, kinds[2].Network)
	for _, kind := range kinds {
		assert.Equal(t, X402Version, kind.X402Version)
	}
}
