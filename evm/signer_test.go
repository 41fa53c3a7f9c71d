package evm

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleargate/x402"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestPrivateKeySigner(t *testing.T) {
	signer, err := NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, signer.Address().Hex())

	withPrefix, err := NewPrivateKeySigner("0x" + testPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), withPrefix.Address())
}

func TestPrivateKeySignerInvalidKey(t *testing.T) {
	_, err := NewPrivateKeySigner("not-hex")
	assert.ErrorIs(t, err, x402.ErrInvalidPrivateKey)
}

func TestPrivateKeySignerSignHash(t *testing.T) {
	signer, err := NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("payload digest"))
	sig, err := signer.SignHash(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), crypto.PubkeyToAddress(*pub))
}

func TestMnemonicSignerDefaultPath(t *testing.T) {
	signer, err := NewMnemonicSigner(testMnemonic, "")
	require.NoError(t, err)
	assert.Equal(t, testAddress, signer.Address().Hex())
	assert.Equal(t, DefaultDerivationPath, signer.DerivationPath())
}

func TestMnemonicSignerCustomPath(t *testing.T) {
	first, err := NewMnemonicSigner(testMnemonic, "m/44'/60'/0'/0/0")
	require.NoError(t, err)
	second, err := NewMnemonicSigner(testMnemonic, "m/44'/60'/0'/0/1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Address(), second.Address())
}

func TestMnemonicSignerInvalidPhrase(t *testing.T) {
	_, err := NewMnemonicSigner("definitely not a valid mnemonic phrase", "")
	assert.ErrorIs(t, err, x402.ErrInvalidMnemonic)
}

// Web3 secret storage scrypt test vector, password "testpassword".
const testKeystoreJSON = `{"crypto":{"cipher":"aes-128-ctr","cipherparams":{"iv":"83dbcc02d8ccb40e466191a123791e0e"},"ciphertext":"d172bf743a674da9cdad04534d56926ef8358534d458fffccd4e6ad2fbde479c","kdf":"scrypt","kdfparams":{"dklen":32,"n":262144,"p":8,"r":1,"salt":"ab0c7876052600dd703518d6fc3fe8984592145b591fc8fb5c6d43190334ba19"},"mac":"2103ac29920d71da29f15d75b4a16dbe95cfd7ff8faea1056c33131d846e3097"},"id":"3198bc9c-6672-6ab3-d995-4942343ae5b6","version":3}`

func TestKeystoreSignerFromJSON(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt key derivation is slow")
	}
	signer, err := NewKeystoreSignerFromJSON([]byte(testKeystoreJSON), "testpassword")
	require.NoError(t, err)
	assert.Equal(t, "0x008AeEda4D805471dF9b2A5B0f38A0C3bCBA786b", signer.Address().Hex())
}

func TestKeystoreSignerWrongPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt key derivation is slow")
	}
	_, err := NewKeystoreSignerFromJSON([]byte(testKeystoreJSON), "wrong")
	assert.ErrorIs(t, err, x402.ErrWrongPassword)
}

func TestKeystoreSignerMissingFile(t *testing.T) {
	_, err := NewKeystoreSigner("/nonexistent/keystore.json", "pw")
	assert.ErrorIs(t, err, x402.ErrInvalidKeystore)
}
