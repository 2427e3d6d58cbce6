// Package vault implements the authenticated symmetric cipher used to store
// tracker passwords. Ciphertexts are AES-256-GCM in the textual form
// nonce:tag:ciphertext with each segment hex encoded.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	keyLen   = 32
	nonceLen = 16
	tagLen   = 16
)

var (
	// ErrMalformed indicates input that is not exactly three hex segments
	// of the expected sizes.
	ErrMalformed = errors.New("vault: malformed ciphertext")
	// ErrDecrypt indicates an authentication failure: tampered, truncated,
	// or encrypted under a different key.
	ErrDecrypt = errors.New("vault: decryption failed")
)

// Vault holds the symmetric key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a 64-hex-character (256-bit) key.
func New(hexKey string) (*Vault, error) {
	if len(hexKey) != keyLen*2 {
		return nil, fmt.Errorf("vault: key must be %d hex characters", keyLen*2)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault: key is not valid hex: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals the plaintext under a freshly random nonce.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a nonce:tag:ciphertext string, verifying the authentication
// tag. The caller owns the returned plaintext and should zero it after use.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLen {
		return nil, ErrMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return nil, ErrMalformed
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}
	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Zero overwrites a secret buffer in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
