package svm

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/cleargate/x402"
)

// MintInfo describes a token mint: the program that owns it and its decimal
// count.
type MintInfo struct {
	Program  solana.PublicKey
	Decimals uint8
}

// MintResolver looks up mint ownership and decimals on the ledger.
type MintResolver interface {
	ResolveMint(ctx context.Context, mint solana.PublicKey) (MintInfo, error)
}

// BlockhashSource provides recent blockhashes and checks their validity.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error)
}

// Broadcaster submits a fully signed transaction to the cluster.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// RPCURL returns the public RPC endpoint for a known SVM network.
func RPCURL(network string) (string, error) {
	switch network {
	case x402.NetworkSolana:
		return rpc.MainNetBeta_RPC, nil
	case x402.NetworkSolanaDevnet:
		return rpc.DevNet_RPC, nil
	default:
		return "", fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, network)
	}
}

// RPCClient backs the ledger-access interfaces with a JSON-RPC node.
type RPCClient struct {
	client *rpc.Client
}

// NewRPCClient wraps an existing rpc client.
func NewRPCClient(client *rpc.Client) *RPCClient {
	return &RPCClient{client: client}
}

// NewRPCClientForNetwork connects to the public endpoint of a known network.
func NewRPCClientForNetwork(network string) (*RPCClient, error) {
	url, err := RPCURL(network)
	if err != nil {
		return nil, err
	}
	return &RPCClient{client: rpc.New(url)}, nil
}

// mintDecimalsOffset is the byte position of the decimals field in the mint
// account layout, shared by both token programs.
const mintDecimalsOffset = 44

// ResolveMint fetches the mint account and reports its owning token program
// and decimals. Mints owned by neither token program are rejected.
func (c *RPCClient) ResolveMint(ctx context.Context, mint solana.PublicKey) (MintInfo, error) {
	acct, err := c.client.GetAccountInfo(ctx, mint)
	if err != nil {
		return MintInfo{}, fmt.Errorf("fetch mint account %s: %w", mint, err)
	}
	owner := acct.Value.Owner
	if !owner.Equals(solana.TokenProgramID) && !owner.Equals(Token2022ProgramID) {
		return MintInfo{}, fmt.Errorf("%w: mint %s owned by %s", x402.ErrUnknownTokenProgram, mint, owner)
	}
	data := acct.Value.Data.GetBinary()
	if len(data) <= mintDecimalsOffset {
		return MintInfo{}, fmt.Errorf("mint account %s data too short: %d bytes", mint, len(data))
	}
	return MintInfo{Program: owner, Decimals: data[mintDecimalsOffset]}, nil
}

// LatestBlockhash returns a finalized recent blockhash.
func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("fetch latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

// IsBlockhashValid reports whether the hash is still within its validity
// window.
func (c *RPCClient) IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error) {
	out, err := c.client.IsBlockhashValid(ctx, hash, rpc.CommitmentConfirmed)
	if err != nil {
		return false, fmt.Errorf("check blockhash validity: %w", err)
	}
	return out.Value, nil
}

// Broadcast submits the transaction with preflight enabled.
func (c *RPCClient) Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}
