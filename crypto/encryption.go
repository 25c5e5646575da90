package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const aes256KeySize = sessionKeySize

func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != aes256KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), aes256KeySize)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// Seal encrypts plaintext with AES-256-GCM. The random nonce is prepended to
// the returned ciphertext; aad is authenticated but not encrypted.
func Seal(sessionKey, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func Open(sessionKey, sealed, aad []byte) ([]byte, error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed payload too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}
