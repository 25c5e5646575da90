package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"possync/crypto"
	"possync/models"
)

// Dial connects to a Master, performs the handshake as a satellite, and
// returns a ready PeerConnection.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if opts.OnHandshaking != nil {
		opts.OnHandshaking()
	}

	connection, err := clientHandshake(conn, address, opts)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return connection, nil
}

func clientHandshake(conn net.Conn, address string, opts HandshakeOptions) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	var challenge HandshakeChallenge
	msgType, payload, err := readControlMessage(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("read handshake challenge: %w", err)
	}
	switch msgType {
	case TypeHandshakeChallenge:
		if err := decodeInto(payload, &challenge); err != nil {
			return nil, err
		}
	case TypeHandshakeResponse:
		var refused HandshakeResponse
		if err := decodeInto(payload, &refused); err != nil {
			return nil, err
		}
		return nil, rejectionError(refused.Code, refused.Reason)
	default:
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshakeChallenge, msgType)
	}

	nonce, err := decodeChallengeNonce(challenge.Nonce)
	if err != nil {
		return nil, err
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}
	token, err := crypto.AuthToken(opts.NetworkKey, nonce, opts.Identity.TerminalID, string(opts.Identity.Role))
	if err != nil {
		return nil, err
	}

	var resumeFrom uint64
	if opts.ResumeFrom != nil {
		resumeFrom = opts.ResumeFrom(challenge.TerminalID)
	}

	if err := writeControlMessage(conn, HandshakeMessage{
		Type:            TypeHandshake,
		TerminalID:      opts.Identity.TerminalID,
		DisplayName:     opts.Identity.DisplayName,
		Role:            opts.Identity.Role,
		AuthToken:       encodeBase64(token),
		ProtocolVersion: ProtocolVersion,
		ChallengeNonce:  challenge.Nonce,
		X25519PublicKey: encodeBase64(ephemeralPublic.Bytes()),
		ResumeFrom:      resumeFrom,
		Timestamp:       time.Now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	var response HandshakeResponse
	msgType, _, err = readControlMessage(conn, &response)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	if msgType != TypeHandshakeResponse {
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshakeResponse, msgType)
	}
	if !response.Accepted {
		return nil, rejectionError(response.Code, response.Reason)
	}
	if response.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: master speaks %d", ErrVersionMismatch, response.ProtocolVersion)
	}
	if response.TerminalID == "" || response.TerminalID != challenge.TerminalID {
		return nil, errors.New("handshake response terminal ID does not match challenge")
	}

	proof, err := decodeBase64("master auth token", response.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if !crypto.VerifyAuthToken(opts.NetworkKey, nonce, response.TerminalID, string(models.RoleMaster), proof) {
		return nil, fmt.Errorf("%w: master could not prove the network secret", ErrAuthRejected)
	}

	sessionKey, err := deriveSessionKey(ephemeralPrivate, challenge.X25519PublicKey, opts.NetworkKey, nonce, opts.Identity.TerminalID, response.TerminalID)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, opts.connectionOptions(PeerInfo{
		TerminalID:  response.TerminalID,
		DisplayName: response.DisplayName,
		Role:        models.RoleMaster,
		Address:     address,
	})), nil
}
