package evm

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	bip32 "github.com/tyler-smith/go-bip32"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/cleargate/x402"
)

// TypedDataSigner produces ECDSA signatures over 32-byte typed-data digests.
// Returned signatures are 65 bytes [R || S || V] with V in {0, 1}.
type TypedDataSigner interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// DefaultDerivationPath is the standard Ethereum BIP-44 path.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// PrivateKeySigner signs with a raw secp256k1 private key held in memory.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPrivateKeySigner creates a signer from a hex-encoded private key,
// with or without the 0x prefix.
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}
	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

func (s *PrivateKeySigner) SignHash(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// MnemonicSigner derives a key from a BIP-39 mnemonic phrase along a BIP-44
// derivation path and signs with it.
type MnemonicSigner struct {
	PrivateKeySigner
	derivationPath string
}

// NewMnemonicSigner creates a signer from a mnemonic phrase. An empty
// derivationPath selects DefaultDerivationPath.
func NewMnemonicSigner(mnemonic, derivationPath string) (*MnemonicSigner, error) {
	if derivationPath == "" {
		derivationPath = DefaultDerivationPath
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, x402.ErrInvalidMnemonic
	}

	privateKey, err := derivePrivateKey(bip39.NewSeed(mnemonic, ""), derivationPath)
	if err != nil {
		return nil, fmt.Errorf("derive key at %s: %w", derivationPath, err)
	}
	return &MnemonicSigner{
		PrivateKeySigner: PrivateKeySigner{
			privateKey: privateKey,
			address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		},
		derivationPath: derivationPath,
	}, nil
}

// DerivationPath returns the path the signing key was derived along.
func (s *MnemonicSigner) DerivationPath() string {
	return s.derivationPath
}

func derivePrivateKey(seed []byte, derivationPath string) (*ecdsa.PrivateKey, error) {
	path, err := accounts.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("parse derivation path: %w", err)
	}

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	for _, n := range path {
		key, err = key.NewChildKey(n)
		if err != nil {
			return nil, fmt.Errorf("derive child key: %w", err)
		}
	}

	privateKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, fmt.Errorf("convert derived key: %w", err)
	}
	return privateKey, nil
}

// KeystoreSigner signs with a key decrypted from a go-ethereum keystore
// (UTC / JSON) file.
type KeystoreSigner struct {
	PrivateKeySigner
}

// NewKeystoreSigner decrypts a keystore file with the given password.
func NewKeystoreSigner(keystorePath, password string) (*KeystoreSigner, error) {
	keyJSON, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKeystore, err)
	}
	return NewKeystoreSignerFromJSON(keyJSON, password)
}

// NewKeystoreSignerFromJSON decrypts keystore JSON with the given password.
func NewKeystoreSignerFromJSON(keyJSON []byte, password string) (*KeystoreSigner, error) {
	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		if strings.Contains(err.Error(), "could not decrypt") {
			return nil, x402.ErrWrongPassword
		}
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKeystore, err)
	}
	return &KeystoreSigner{
		PrivateKeySigner: PrivateKeySigner{
			privateKey: key.PrivateKey,
			address:    key.Address,
		},
	}, nil
}
