// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package credentials keeps per-(channel, service) token bundles sealed at
// rest and hands out fresh access tokens, refreshing proactively before
// expiry. Plaintext bundles never leave this package.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ciphertext layout: version byte, nonce, GCM-sealed bundle.
const cipherVersion = 0x01

// KeyHexLen is the required length of the hex-encoded AES-256 key.
const KeyHexLen = 64

var ErrMalformedCiphertext = errors.New("credentials: malformed ciphertext")

// Cipher seals and opens credential bundles with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a 64-hex-char key (ENCRYPTION_KEY).
func NewCipher(hexKey string) (*Cipher, error) {
	if len(hexKey) != KeyHexLen {
		return nil, fmt.Errorf("credentials: key must be %d hex chars, got %d", KeyHexLen, len(hexKey))
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("credentials: decode key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credentials: nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, cipherVersion)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a sealed bundle, rejecting unknown versions and truncated
// or tampered input.
func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	minLen := 1 + c.aead.NonceSize() + c.aead.Overhead()
	if len(ciphertext) < minLen {
		return nil, ErrMalformedCiphertext
	}
	if ciphertext[0] != cipherVersion {
		return nil, fmt.Errorf("credentials: unsupported ciphertext version %d", ciphertext[0])
	}
	nonce := ciphertext[1 : 1+c.aead.NonceSize()]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext[1+c.aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCiphertext, err)
	}
	return plaintext, nil
}
