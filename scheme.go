package x402

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Scheme is the capability a payment mechanism exposes for one network:
// building a payload on the paying side, and verifying/settling it on the
// facilitating side. Implementations are registered once at startup; the
// registry is the only place scheme names are dispatched on.
type Scheme interface {
	// Scheme returns the scheme identifier, e.g. "exact".
	Scheme() string

	// Network returns the network this implementation is bound to.
	Network() string

	// BuildPayload constructs and signs a payment payload satisfying the
	// given requirements. Requires a signing capability; schemes that need
	// quote data fail with ErrQuoteRequired when it is absent.
	BuildPayload(ctx context.Context, req *PaymentRequirements) (*PaymentPayload, error)

	// Verify checks the payload against the requirements without touching
	// chain state beyond read-only lookups. A shape mismatch or any field
	// mismatch yields an invalid result with a specific reason.
	Verify(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*VerifyResult, error)

	// Settle submits the verified payment on-chain. Success means
	// transaction inclusion; failures carry a structured reason.
	Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*SettleResult, error)
}

type schemeKey struct {
	scheme  string
	network string
}

// Registry is a process-wide capability table keyed by (scheme, network).
// Registration is append-only and fails loudly on duplicates; lookups after
// startup are read-mostly and safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[schemeKey]Scheme
}

// NewRegistry creates an empty scheme registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[schemeKey]Scheme)}
}

// Register adds a scheme implementation. Registering the same
// (scheme, network) pair twice is a configuration error.
func (r *Registry) Register(s Scheme) error {
	key := schemeKey{scheme: s.Scheme(), network: s.Network()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateScheme, key.scheme, key.network)
	}
	r.entries[key] = s
	return nil
}

// MustRegister is Register that panics on error, for static startup wiring.
func (r *Registry) MustRegister(s Scheme) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns the implementation for a (scheme, network) pair.
func (r *Registry) Lookup(scheme, network string) (Scheme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[schemeKey{scheme: scheme, network: network}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSchemeNotRegistered, scheme, network)
	}
	return s, nil
}

// Supported lists the registered (scheme, network) pairs in a stable order.
func (r *Registry) Supported() []SupportedKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]SupportedKind, 0, len(r.entries))
	for key := range r.entries {
		kinds = append(kinds, SupportedKind{
			X402Version: X402Version,
			Scheme:      key.scheme,
			Network:     key.network,
		})
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Scheme != kinds[j].Scheme {
			return kinds[i].Scheme < kinds[j].Scheme
		}
		return kinds[i].Network < kinds[j].Network
	})
	return kinds
}
