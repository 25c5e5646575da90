package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a one-connection X25519 key pair.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret runs ECDH between a local private key and a peer public key.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}
