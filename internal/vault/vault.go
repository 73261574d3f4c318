// Package vault encrypts named secrets such as the search API key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrNoPassphrase = errors.New("vault passphrase is not set")

// Vault seals values with AES-256-GCM under an Argon2id-derived key. The
// secret name is bound as additional data, so a sealed value cannot be
// moved to another name.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key from passphrase. The salt is the SHA-256 of the
// passphrase, so the same passphrase opens the same store across restarts.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}

	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

func (v *Vault) Seal(name string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, plaintext, []byte(name)), nonce, nil
}

func (v *Vault) Open(name string, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("decrypt %s: bad nonce length %d", name, len(nonce))
	}
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plaintext, nil
}
