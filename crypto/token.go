package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

// AuthToken proves knowledge of the network key for one handshake. It binds
// the challenge nonce, the sender and the sender's role.
func AuthToken(networkKey, nonce []byte, terminalID, role string) ([]byte, error) {
	if len(networkKey) != NetworkKeySize {
		return nil, fmt.Errorf("invalid network key length: got %d want %d", len(networkKey), NetworkKeySize)
	}
	if len(nonce) == 0 {
		return nil, errors.New("challenge nonce is required")
	}

	mac := hmac.New(sha256.New, networkKey)
	writeField(mac, []byte("auth"))
	writeField(mac, nonce)
	writeField(mac, []byte(terminalID))
	writeField(mac, []byte(role))
	return mac.Sum(nil), nil
}

// VerifyAuthToken recomputes the token and compares in constant time.
func VerifyAuthToken(networkKey, nonce []byte, terminalID, role string, token []byte) bool {
	expected, err := AuthToken(networkKey, nonce, terminalID, role)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, token)
}

// DeriveSessionKey derives the AES-256 key for one connection from the
// ephemeral X25519 shared secret and the network key.
func DeriveSessionKey(sharedSecret, networkKey, nonce []byte, satelliteID, masterID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if len(networkKey) != NetworkKeySize {
		return nil, fmt.Errorf("invalid network key length: got %d want %d", len(networkKey), NetworkKeySize)
	}

	ikm := make([]byte, 0, len(sharedSecret)+len(networkKey))
	ikm = append(ikm, sharedSecret...)
	ikm = append(ikm, networkKey...)
	info := []byte("possync-session|" + satelliteID + "|" + masterID)

	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nonce, info), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

func writeField(w io.Writer, field []byte) {
	var length [4]byte
	n := len(field)
	length[0] = byte(n >> 24)
	length[1] = byte(n >> 16)
	length[2] = byte(n >> 8)
	length[3] = byte(n)
	_, _ = w.Write(length[:])
	_, _ = w.Write(field)
}
