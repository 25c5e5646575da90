package network

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"possync/crypto"
	"possync/models"
)

// AcceptFunc lets the listening side refuse a satellite after it has
// authenticated. A non-empty code refuses the session with that code.
type AcceptFunc func(peer PeerInfo) (code, reason string)

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity   models.TerminalIdentity
	NetworkKey []byte

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	FrameReadTimeout  time.Duration
	WriteTimeout      time.Duration
	SendHeartbeats    *bool

	// ResumeFrom returns the dialing satellite's replication cursor for the
	// master named in the challenge.
	ResumeFrom func(masterID string) uint64
	// OnHandshaking fires once the TCP connection is up and the
	// challenge exchange begins.
	OnHandshaking func()
	// Accept is consulted by the listening side only.
	Accept AcceptFunc
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	return out
}

func (o HandshakeOptions) validate() error {
	if o.Identity.TerminalID == "" {
		return errors.New("local terminal ID is required")
	}
	if !o.Identity.Role.Valid() {
		return fmt.Errorf("invalid local role %q", o.Identity.Role)
	}
	if len(o.NetworkKey) != crypto.NetworkKeySize {
		return fmt.Errorf("network key must be %d bytes", crypto.NetworkKeySize)
	}
	return nil
}

func (o HandshakeOptions) sendHeartbeatsEnabled() bool {
	if o.SendHeartbeats == nil {
		return true
	}
	return *o.SendHeartbeats
}

func (o HandshakeOptions) connectionOptions(peer PeerInfo) ConnectionOptions {
	return ConnectionOptions{
		Local:             o.Identity,
		Peer:              peer,
		HeartbeatInterval: o.HeartbeatInterval,
		FrameReadTimeout:  o.FrameReadTimeout,
		WriteTimeout:      o.WriteTimeout,
		SendHeartbeats:    o.sendHeartbeatsEnabled(),
	}
}

func generateChallengeNonce() ([]byte, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	return nonce, nil
}

func decodeChallengeNonce(value string) ([]byte, error) {
	nonce, err := decodeBase64("challenge nonce", value)
	if err != nil {
		return nil, err
	}
	if len(nonce) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(nonce), challengeNonceSize)
	}
	return nonce, nil
}

func deriveSessionKey(local *ecdh.PrivateKey, peerPublicBase64 string, networkKey, nonce []byte, satelliteID, masterID string) ([]byte, error) {
	peerPublicRaw, err := decodeBase64("peer ephemeral public key", peerPublicBase64)
	if err != nil {
		return nil, err
	}
	peerPublic, err := crypto.ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}
	shared, err := crypto.ComputeX25519SharedSecret(local, peerPublic)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveSessionKey(shared, networkKey, nonce, satelliteID, masterID)
}

// rejection builds a refused handshake response.
func rejection(code, reason string) HandshakeResponse {
	return HandshakeResponse{
		Type:            TypeHandshakeResponse,
		Accepted:        false,
		Code:            code,
		Reason:          reason,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// rejectionError maps a refusal code back to its sentinel error.
func rejectionError(code, reason string) error {
	var base error
	switch code {
	case CodeVersionMismatch:
		base = ErrVersionMismatch
	case CodeAuthRejected:
		base = ErrAuthRejected
	case CodeRoleRejected:
		base = ErrRoleRejected
	case CodeNotAccepting:
		base = ErrNotAccepting
	default:
		return fmt.Errorf("handshake refused [%s]: %s", code, reason)
	}
	if reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, reason)
}

// IsFatalHandshakeError reports whether retrying the same target is pointless
// until the configuration changes.
func IsFatalHandshakeError(err error) bool {
	return errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrRoleRejected)
}
