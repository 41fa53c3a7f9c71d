package svm

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"

	"github.com/cleargate/x402"
)

// ExactScheme implements the exact-amount scheme on one SVM network. The
// payer side needs a signer and a blockhash source; verification needs a
// blockhash source; settlement needs the fee-payer signer and a broadcaster.
type ExactScheme struct {
	network     string
	signer      TransactionSigner
	feePayer    TransactionSigner
	mints       MintResolver
	blockhash   BlockhashSource
	broadcaster Broadcaster
}

// Option configures an ExactScheme.
type Option func(*ExactScheme)

// WithSigner attaches the payer's signing capability.
func WithSigner(s TransactionSigner) Option {
	return func(e *ExactScheme) { e.signer = s }
}

// WithFeePayer attaches the sponsor key that completes the fee-payer
// signature slot at settlement.
func WithFeePayer(s TransactionSigner) Option {
	return func(e *ExactScheme) { e.feePayer = s }
}

// WithMintResolver attaches mint ownership and decimals lookup.
func WithMintResolver(m MintResolver) Option {
	return func(e *ExactScheme) { e.mints = m }
}

// WithBlockhashSource attaches blockhash fetch and validity checks.
func WithBlockhashSource(b BlockhashSource) Option {
	return func(e *ExactScheme) { e.blockhash = b }
}

// WithBroadcaster attaches transaction submission.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *ExactScheme) { e.broadcaster = b }
}

// WithRPCClient backs mint resolution, blockhash access and broadcasting
// with one JSON-RPC client.
func WithRPCClient(c *RPCClient) Option {
	return func(e *ExactScheme) {
		e.mints = c
		e.blockhash = c
		e.broadcaster = c
	}
}

// NewExactScheme creates the exact scheme for a known SVM network.
func NewExactScheme(network string, opts ...Option) (*ExactScheme, error) {
	if x402.NetworkTypeOf(network) != x402.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, network)
	}
	e := &ExactScheme{network: network}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *ExactScheme) Scheme() string  { return x402.SchemeExact }
func (e *ExactScheme) Network() string { return e.network }

// quote is the facilitator-provided conversion data a payload is built from
// and verified against.
type quote struct {
	amount      uint64
	facilitator solana.PublicKey
	feePayer    solana.PublicKey
}

// quoteFromRequirements extracts the embedded quote. A missing field means
// the quote step was skipped.
func quoteFromRequirements(req *x402.PaymentRequirements) (*quote, error) {
	amountStr := req.Extra[x402.ExtraPaymentAmount]
	facilitatorStr := req.Extra[x402.ExtraFacilitatorAddress]
	feePayerStr := req.Extra[x402.ExtraFeePayer]
	if amountStr == "" || facilitatorStr == "" || feePayerStr == "" {
		return nil, x402.ErrQuoteRequired
	}

	amount, err := strconv.ParseUint(amountStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: paymentAmount %q", x402.ErrInvalidAmount, amountStr)
	}
	facilitator, err := solana.PublicKeyFromBase58(facilitatorStr)
	if err != nil {
		return nil, fmt.Errorf("%w: facilitatorAddress: %v", x402.ErrMalformedPayload, err)
	}
	feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
	if err != nil {
		return nil, fmt.Errorf("%w: feePayer: %v", x402.ErrMalformedPayload, err)
	}
	return &quote{amount: amount, facilitator: facilitator, feePayer: feePayer}, nil
}

// sourceAsset returns the asset the payer actually spends on this network.
// Empty means the native asset.
func (e *ExactScheme) sourceAsset(req *x402.PaymentRequirements) string {
	if req.SrcNetwork == e.network && req.SrcTokenAddress != "" {
		return req.SrcTokenAddress
	}
	return req.Asset
}

// BuildPayload constructs the partially signed payment transaction: compute
// budget instructions, then either a delegated-spend approval for the quoted
// amount or a native transfer to the facilitator. The fee-payer signature
// slot is left empty for the sponsor.
func (e *ExactScheme) BuildPayload(ctx context.Context, req *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if e.signer == nil {
		return nil, x402.ErrNoSigner
	}
	if e.blockhash == nil {
		return nil, x402.ErrNoRPCClient
	}
	q, err := quoteFromRequirements(req)
	if err != nil {
		return nil, err
	}

	payer := e.signer.PublicKey()
	instructions := []solana.Instruction{
		newSetComputeUnitLimitInstruction(DefaultComputeUnits),
		newSetComputeUnitPriceInstruction(DefaultComputeUnitPrice),
	}

	if asset := e.sourceAsset(req); asset == "" {
		instructions = append(instructions, newSystemTransferInstruction(payer, q.facilitator, q.amount))
	} else {
		if e.mints == nil {
			return nil, x402.ErrNoRPCClient
		}
		mint, err := solana.PublicKeyFromBase58(asset)
		if err != nil {
			return nil, fmt.Errorf("%w: asset: %v", x402.ErrMalformedPayload, err)
		}
		info, err := e.mints.ResolveMint(ctx, mint)
		if err != nil {
			return nil, err
		}
		payerATA, err := findAssociatedTokenAddress(payer, mint, info.Program)
		if err != nil {
			return nil, err
		}
		// The delegate's destination account may not exist yet; the sponsor
		// funds its creation.
		createATA, err := newCreateIdempotentATAInstruction(q.feePayer, q.facilitator, mint, info.Program)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions,
			createATA,
			newApproveCheckedInstruction(payerATA, mint, q.facilitator, payer, q.amount, info.Decimals, info.Program),
		)
	}

	recent, err := e.blockhash.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction(instructions, recent, solana.TransactionPayer(q.feePayer))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	if err := e.signer.SignTransaction(tx); err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     e.network,
		Payload: x402.ExactSVMPayload{
			Transaction: base64.StdEncoding.EncodeToString(raw),
		},
	}, nil
}

// payment is the approval or transfer found inside a payment transaction.
type payment struct {
	amount uint64
	target solana.PublicKey
	payer  solana.PublicKey
	native bool
}

// validatePayment walks every instruction in the transaction and admits only
// the shape BuildPayload produces: compute budget tuning, idempotent creation
// of the facilitator's token account for the required mint, and exactly one
// approval or native transfer. The sponsor signs the whole message at
// settlement, so any instruction outside that set is rejected here.
func validatePayment(tx *solana.Transaction, q *quote, asset string) (*payment, error) {
	keys := tx.Message.AccountKeys
	var pay *payment
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("%w: instruction program index out of range", x402.ErrMalformedPayload)
		}
		for _, idx := range ix.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("%w: instruction account index out of range", x402.ErrMalformedPayload)
			}
		}
		program := keys[ix.ProgramIDIndex]
		data := []byte(ix.Data)

		switch {
		case program.Equals(ComputeBudgetProgramID):
			if len(data) == 0 || (data[0] != computeBudgetInstructionSetLimit && data[0] != computeBudgetInstructionSetPrice) {
				return nil, fmt.Errorf("%w: unexpected compute budget instruction", x402.ErrMalformedPayload)
			}
		case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
			if asset == "" {
				return nil, fmt.Errorf("%w: token account creation in a native payment", x402.ErrMalformedPayload)
			}
			if len(data) != 1 || data[0] != ataInstructionCreateIdempotent || len(ix.Accounts) < 6 {
				return nil, fmt.Errorf("%w: unexpected associated token instruction", x402.ErrMalformedPayload)
			}
			if owner := keys[ix.Accounts[2]]; !owner.Equals(q.facilitator) {
				return nil, fmt.Errorf("%w: token account creation for %s, not the facilitator", x402.ErrMalformedPayload, owner)
			}
			if mint := keys[ix.Accounts[3]]; mint.String() != asset {
				return nil, fmt.Errorf("%w: token account creation for mint %s, not %s", x402.ErrMalformedPayload, mint, asset)
			}
		case program.Equals(solana.TokenProgramID) || program.Equals(Token2022ProgramID):
			if len(data) < 10 || data[0] != tokenInstructionApproveChecked || len(ix.Accounts) < 4 {
				return nil, fmt.Errorf("%w: unexpected token instruction", x402.ErrMalformedPayload)
			}
			if asset == "" {
				return nil, fmt.Errorf("%w: token approval in a native payment", x402.ErrMalformedPayload)
			}
			if pay != nil {
				return nil, fmt.Errorf("%w: more than one payment instruction", x402.ErrMalformedPayload)
			}
			mint := keys[ix.Accounts[1]]
			if mint.String() != asset {
				return nil, fmt.Errorf("%w: approval mint %s does not match asset %s", x402.ErrMalformedPayload, mint, asset)
			}
			owner := keys[ix.Accounts[3]]
			wantSource, err := findAssociatedTokenAddress(owner, mint, program)
			if err != nil {
				return nil, err
			}
			if source := keys[ix.Accounts[0]]; !source.Equals(wantSource) {
				return nil, fmt.Errorf("%w: approval source %s is not the payer's token account", x402.ErrMalformedPayload, source)
			}
			pay = &payment{
				amount: binary.LittleEndian.Uint64(data[1:9]),
				target: keys[ix.Accounts[2]],
				payer:  owner,
			}
		case program.Equals(solana.SystemProgramID):
			if len(data) < 12 || binary.LittleEndian.Uint32(data[0:4]) != systemInstructionTransfer || len(ix.Accounts) < 2 {
				return nil, fmt.Errorf("%w: unexpected system instruction", x402.ErrMalformedPayload)
			}
			if asset != "" {
				return nil, fmt.Errorf("%w: native transfer in a token payment", x402.ErrMalformedPayload)
			}
			if pay != nil {
				return nil, fmt.Errorf("%w: more than one payment instruction", x402.ErrMalformedPayload)
			}
			pay = &payment{
				amount: binary.LittleEndian.Uint64(data[4:12]),
				target: keys[ix.Accounts[1]],
				payer:  keys[ix.Accounts[0]],
				native: true,
			}
		default:
			return nil, fmt.Errorf("%w: unexpected program %s", x402.ErrMalformedPayload, program)
		}
	}
	if pay == nil {
		return nil, fmt.Errorf("%w: no approval or transfer instruction", x402.ErrMalformedPayload)
	}
	return pay, nil
}

// Verify checks that the transaction contains only the expected instruction
// set, the payer's signature over the message, the exact quoted amount, the
// delegate or recipient, the fee payer, and the validity anchor. A blockhash
// source is required; the anchor check is not optional.
func (e *ExactScheme) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	if e.blockhash == nil {
		return nil, x402.ErrNoRPCClient
	}
	pl, ok := payload.SVM()
	if !ok {
		return invalid("payload shape does not match scheme"), nil
	}
	if payload.Scheme != x402.SchemeExact {
		return invalid(fmt.Sprintf("unexpected scheme %q", payload.Scheme)), nil
	}
	q, err := quoteFromRequirements(req)
	if err != nil {
		return nil, err
	}

	tx, err := solana.TransactionFromBase64(pl.Transaction)
	if err != nil {
		return invalid(fmt.Sprintf("undecodable transaction: %v", err)), nil
	}
	if len(tx.Message.AccountKeys) == 0 {
		return invalid("transaction has no accounts"), nil
	}
	if !tx.Message.AccountKeys[0].Equals(q.feePayer) {
		return invalid(fmt.Sprintf("fee payer %s does not match quoted %s", tx.Message.AccountKeys[0], q.feePayer)), nil
	}

	pay, err := validatePayment(tx, q, e.sourceAsset(req))
	if err != nil {
		if errors.Is(err, x402.ErrMalformedPayload) {
			return invalid(err.Error()), nil
		}
		return nil, err
	}
	if pay.amount != q.amount {
		return invalid(fmt.Sprintf("amount %d does not match quoted %d", pay.amount, q.amount)), nil
	}
	if !pay.target.Equals(q.facilitator) {
		if pay.native {
			return invalid(fmt.Sprintf("recipient %s does not match facilitator %s", pay.target, q.facilitator)), nil
		}
		return invalid(fmt.Sprintf("delegate %s does not match facilitator %s", pay.target, q.facilitator)), nil
	}

	msgBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	payerIndex := -1
	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < numSigners && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(pay.payer) {
			payerIndex = i
			break
		}
	}
	if payerIndex < 0 {
		return invalid("payer is not a transaction signer"), nil
	}
	if payerIndex >= len(tx.Signatures) || tx.Signatures[payerIndex].IsZero() {
		return invalid("missing payer signature"), nil
	}
	if !tx.Signatures[payerIndex].Verify(pay.payer, msgBytes) {
		return invalid("invalid payer signature"), nil
	}

	valid, err := e.blockhash.IsBlockhashValid(ctx, tx.Message.RecentBlockhash)
	if err != nil {
		return nil, err
	}
	if !valid {
		return invalid("blockhash expired"), nil
	}

	return &x402.VerifyResult{IsValid: true, Payer: pay.payer.String()}, nil
}

// Settle completes the fee-payer signature slot and broadcasts the
// transaction. The instruction set is re-validated before the sponsor key
// touches it. Broadcast rejections are settlement results, not errors.
func (e *ExactScheme) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResult, error) {
	if e.feePayer == nil {
		return nil, x402.ErrNoSigner
	}
	if e.broadcaster == nil {
		return nil, x402.ErrNoRPCClient
	}
	pl, ok := payload.SVM()
	if !ok {
		return nil, fmt.Errorf("%w: payload shape does not match scheme", x402.ErrMalformedPayload)
	}
	q, err := quoteFromRequirements(req)
	if err != nil {
		return nil, err
	}

	tx, err := solana.TransactionFromBase64(pl.Transaction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayload, err)
	}
	pay, err := validatePayment(tx, q, e.sourceAsset(req))
	if err != nil {
		return nil, err
	}
	if pay.amount != q.amount {
		return nil, fmt.Errorf("%w: amount %d does not match quoted %d", x402.ErrMalformedPayload, pay.amount, q.amount)
	}
	if !pay.target.Equals(q.facilitator) {
		return nil, fmt.Errorf("%w: payment target %s is not the facilitator", x402.ErrMalformedPayload, pay.target)
	}
	if err := e.feePayer.SignTransaction(tx); err != nil {
		return nil, err
	}

	sig, err := e.broadcaster.Broadcast(ctx, tx)
	if err != nil {
		return &x402.SettleResult{
			Success:     false,
			Network:     e.network,
			Payer:       pay.payer.String(),
			ErrorReason: err.Error(),
		}, nil
	}
	return &x402.SettleResult{
		Success:     true,
		Transaction: sig.String(),
		Network:     e.network,
		Payer:       pay.payer.String(),
	}, nil
}

func invalid(reason string) *x402.VerifyResult {
	return &x402.VerifyResult{IsValid: false, InvalidReason: reason}
}
