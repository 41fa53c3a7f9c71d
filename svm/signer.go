package svm

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/cleargate/x402"
)

// TransactionSigner signs the account slots it holds keys for, leaving all
// other signature slots untouched.
type TransactionSigner interface {
	PublicKey() solana.PublicKey
	SignTransaction(tx *solana.Transaction) error
}

// PrivateKeySigner signs with an ed25519 keypair held in memory.
type PrivateKeySigner struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

// NewPrivateKeySigner creates a signer from a base58-encoded private key.
func NewPrivateKeySigner(privateKeyBase58 string) (*PrivateKeySigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}
	return &PrivateKeySigner{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
	}, nil
}

// NewPrivateKeySignerFromFile creates a signer from a solana-keygen JSON
// keypair file.
func NewPrivateKeySignerFromFile(path string) (*PrivateKeySigner, error) {
	privateKey, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}
	return &PrivateKeySigner{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
	}, nil
}

// NewRandomSigner generates an ephemeral keypair, for tests and local runs.
func NewRandomSigner() (*PrivateKeySigner, error) {
	privateKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &PrivateKeySigner{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
	}, nil
}

func (s *PrivateKeySigner) PublicKey() solana.PublicKey {
	return s.publicKey
}

// SignTransaction fills the signature slots owned by this key.
func (s *PrivateKeySigner) SignTransaction(tx *solana.Transaction) error {
	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.publicKey.Equals(key) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("partial sign transaction: %w", err)
	}
	return nil
}
