// Package keyvault seals wallet private keys at rest.
package keyvault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrKeyUnavailable is returned when a ciphertext cannot be opened. It never
// carries key material.
var ErrKeyUnavailable = errors.New("key unavailable")

// Vault encrypts and decrypts private keys.
type Vault interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// AEADVault is an XChaCha20-Poly1305 Vault. Ciphertexts are
// base64(nonce || sealed) and bound to the optional associated label.
type AEADVault struct {
	key   []byte
	label []byte
}

var _ Vault = (*AEADVault)(nil)

// New builds a vault from a 32 byte master key.
func New(masterKey []byte) (*AEADVault, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &AEADVault{key: key, label: []byte("btcvault/wallet-key/v1")}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *AEADVault) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, v.label)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (v *AEADVault) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrKeyUnavailable)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher", ErrKeyUnavailable)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: short ciphertext", ErrKeyUnavailable)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, v.label)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrKeyUnavailable)
	}
	return plaintext, nil
}
