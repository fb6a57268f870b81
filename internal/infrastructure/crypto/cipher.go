// Package crypto provides the at-rest cipher used for credential material.
// Credentials are persisted only in the sealed form produced here.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for master key derivation
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	keyLengthAES = 32
)

// ErrInvalidCiphertext indicates a sealed blob that cannot be opened
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// CredentialCipher seals and opens credential blobs with AES-256-GCM.
// The key is derived from a process-held master passphrase via scrypt and
// never stored.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher derives the AES key from the passphrase and salt
func NewCredentialCipher(passphrase, salt string) (*CredentialCipher, error) {
	if passphrase == "" {
		return nil, errors.New("master passphrase must not be empty")
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, keyLengthAES)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &CredentialCipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext)
func (c *CredentialCipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal
func (c *CredentialCipher) Open(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}
