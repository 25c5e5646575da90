package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const (
	// MinSecretLength is the shortest accepted shared secret, in characters.
	MinSecretLength = 8
	// MaxSecretLength is the longest accepted shared secret, in characters.
	MaxSecretLength = 128
	// NetworkKeySize is the length of the hashed shared secret.
	NetworkKeySize = 32

	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
)

// networkSalt is the fixed salt every terminal hashes the shared secret with.
// All terminals must arrive at the same network key from the same secret, so
// the salt cannot be per-install.
var networkSalt = []byte("possync/network-secret/v1")

// ErrInvalidSecretLength indicates the shared secret is too short or too long.
var ErrInvalidSecretLength = errors.New("crypto: invalid shared secret length")

// ValidateSecret checks the shared secret length bounds.
func ValidateSecret(secret string) error {
	n := utf8.RuneCountInString(secret)
	if n < MinSecretLength || n > MaxSecretLength {
		return fmt.Errorf("%w: got %d characters, want %d..%d", ErrInvalidSecretLength, n, MinSecretLength, MaxSecretLength)
	}
	return nil
}

// HashSecret derives the network key from the raw shared secret with Argon2id.
// The result is what gets persisted; the raw secret is discarded.
func HashSecret(secret string) ([]byte, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(secret), networkSalt, argonTime, argonMemory, argonThreads, NetworkKeySize), nil
}

// KeyFingerprint returns a short hex fingerprint of a network key, safe to log
// and to compare in the UI.
func KeyFingerprint(networkKey []byte) string {
	if len(networkKey) == 0 {
		return ""
	}
	sum := sha256.Sum256(networkKey)
	return hex.EncodeToString(sum[:8])
}
