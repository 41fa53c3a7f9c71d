package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cleargate/x402"
)

// replayGuard remembers settled payments so an authorization or transaction
// is never submitted twice through this facilitator. In-memory: a restarted
// facilitator relies on the ledger's own replay protection.
type replayGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
	settled  map[string]struct{}
}

func newReplayGuard() *replayGuard {
	return &replayGuard{
		inFlight: make(map[string]struct{}),
		settled:  make(map[string]struct{}),
	}
}

// begin reserves a payment for settlement. It fails when the payment was
// already settled or another settlement is in flight.
func (g *replayGuard) begin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, done := g.settled[key]; done {
		return false
	}
	if _, busy := g.inFlight[key]; busy {
		return false
	}
	g.inFlight[key] = struct{}{}
	return true
}

// commit marks the payment settled.
func (g *replayGuard) commit(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
	g.settled[key] = struct{}{}
}

// release frees a reservation after a failed settlement so it can be
// retried.
func (g *replayGuard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
}

// Handler serves the facilitator protocol over HTTP: POST /verify,
// POST /settle, POST /quote and GET /supported, dispatching to the scheme
// registry.
type Handler struct {
	registry *x402.Registry
	quotes   QuoteProvider
	logger   *slog.Logger
	guard    *replayGuard
	mux      *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithQuoteProvider enables the quote endpoint.
func WithQuoteProvider(p QuoteProvider) HandlerOption {
	return func(h *Handler) { h.quotes = p }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates the facilitator HTTP handler around a scheme registry.
func NewHandler(registry *x402.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		logger:   slog.Default(),
		guard:    newReplayGuard(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /verify", h.handleVerify)
	mux.HandleFunc("POST /settle", h.handleSettle)
	mux.HandleFunc("POST /quote", h.handleQuote)
	mux.HandleFunc("GET /supported", h.handleSupported)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeRequest parses and sanity-checks a verify/settle body.
func decodeRequest(r *http.Request) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.PaymentPayload == nil || req.PaymentRequirements == nil {
		return nil, errors.New("paymentPayload and paymentRequirements are required")
	}
	return &req, nil
}

// lookupScheme resolves the registered scheme for a payment. For
// cross-asset payments the payload's network is the source network, which
// is the one the facilitator must operate on.
func (h *Handler) lookupScheme(req *Request) (x402.Scheme, error) {
	return h.registry.Lookup(req.PaymentPayload.Scheme, req.PaymentPayload.Network)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scheme, err := h.lookupScheme(req)
	if err != nil {
		writeJSON(w, http.StatusOK, &x402.VerifyResult{
			IsValid:       false,
			InvalidReason: err.Error(),
		})
		return
	}

	result, err := scheme.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.logger.Error("verify failed",
			"scheme", req.PaymentPayload.Scheme,
			"network", req.PaymentPayload.Network,
			"error", err)
		writeError(w, statusForError(err), err.Error())
		return
	}

	h.logger.Info("verified payment",
		"scheme", req.PaymentPayload.Scheme,
		"network", req.PaymentPayload.Network,
		"valid", result.IsValid,
		"payer", result.Payer)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scheme, err := h.lookupScheme(req)
	if err != nil {
		writeJSON(w, http.StatusOK, &x402.SettleResult{
			Success:     false,
			Network:     req.PaymentPayload.Network,
			ErrorReason: err.Error(),
		})
		return
	}

	key := paymentKey(req.PaymentPayload)
	if key == "" || !h.guard.begin(key) {
		writeJSON(w, http.StatusOK, &x402.SettleResult{
			Success:     false,
			Network:     req.PaymentPayload.Network,
			ErrorReason: "payment already settled",
		})
		return
	}

	// Settlement runs on a detached context so a dropped connection does
	// not abandon a payment mid-submission.
	result, err := scheme.Settle(context.WithoutCancel(r.Context()), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.guard.release(key)
		h.logger.Error("settle failed",
			"scheme", req.PaymentPayload.Scheme,
			"network", req.PaymentPayload.Network,
			"error", err)
		writeError(w, statusForError(err), err.Error())
		return
	}
	if result.Success {
		h.guard.commit(key)
	} else {
		h.guard.release(key)
	}

	h.logger.Info("settled payment",
		"scheme", req.PaymentPayload.Scheme,
		"network", req.PaymentPayload.Network,
		"success", result.Success,
		"transaction", result.Transaction)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		writeError(w, http.StatusNotImplemented, "quote endpoint not configured")
		return
	}
	var req x402.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := h.quotes.Quote(r.Context(), &req)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	h.logger.Info("issued quote",
		"srcNetwork", req.SrcNetwork,
		"dstNetwork", req.DstNetwork,
		"dstAmount", req.DstAmount,
		"paymentAmount", data.PaymentAmount)
	writeJSON(w, http.StatusOK, &x402.QuoteResponse{Data: *data})
}

func (h *Handler) handleSupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &SupportedResponse{Kinds: h.registry.Supported()})
}

// statusForError maps scheme errors to HTTP status codes: caller mistakes
// are 400s, everything else is a 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, x402.ErrMalformedPayload),
		errors.Is(err, x402.ErrInvalidAmount),
		errors.Is(err, x402.ErrQuoteRequired),
		errors.Is(err, x402.ErrUnsupportedNetwork):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
