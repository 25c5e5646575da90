package network

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"possync/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxControlFrameSize bounds frames read before a session is established.
	MaxControlFrameSize = 64 * 1024
	// DefaultConnectTimeout bounds the TCP dial.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultHandshakeTimeout bounds the challenge/handshake exchange.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultHeartbeatInterval is how often each side sends a heartbeat.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultWriteTimeout bounds each sealed frame write.
	DefaultWriteTimeout = 10 * time.Second

	challengeNonceSize = 32
)

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeHeartbeat          = "heartbeat"
	TypeEvent              = "event"
	TypeAck                = "ack"
	TypePeerDisconnect     = "peer_disconnect"
	TypeError              = "error"
)

// Rejection codes carried by a refused HandshakeResponse.
const (
	CodeAuthRejected    = "auth_rejected"
	CodeVersionMismatch = "version_mismatch"
	CodeRoleRejected    = "role_rejected"
	CodeNotAccepting    = "not_accepting"
)

// Codes carried by ErrorMessage during a session.
const (
	// CodeApplyFailed reports that EventID could not be applied and was not
	// recorded. The sender keeps it queued and retries.
	CodeApplyFailed = "apply_failed"
	// CodeOriginMismatch reports an event relayed by a terminal that did not
	// create it.
	CodeOriginMismatch = "origin_mismatch"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrAuthRejected indicates the peer could not prove knowledge of the shared secret.
	ErrAuthRejected = errors.New("network: authentication rejected")
	// ErrVersionMismatch indicates the peers speak different protocol versions.
	ErrVersionMismatch = errors.New("network: protocol version mismatch")
	// ErrRoleRejected indicates the remote terminal does not accept our role.
	ErrRoleRejected = errors.New("network: role rejected")
	// ErrNotAccepting indicates the remote Master refused new satellites for now.
	ErrNotAccepting = errors.New("network: master not accepting connections")
	// ErrBadFrame indicates a sealed frame failed authentication.
	ErrBadFrame = errors.New("network: frame authentication failed")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is the first frame the Master sends on a new connection.
type HandshakeChallenge struct {
	Type            string `json:"type"`
	Nonce           string `json:"nonce"`
	TerminalID      string `json:"terminal_id"`
	DisplayName     string `json:"display_name"`
	ProtocolVersion int    `json:"protocol_version"`
	X25519PublicKey string `json:"x25519_public_key"`
	Timestamp       int64  `json:"timestamp"`
}

// HandshakeMessage is the Satellite's reply to the challenge.
type HandshakeMessage struct {
	Type            string      `json:"type"`
	TerminalID      string      `json:"terminal_id"`
	DisplayName     string      `json:"display_name"`
	Role            models.Role `json:"role"`
	AuthToken       string      `json:"auth_token"`
	ProtocolVersion int         `json:"protocol_version"`
	ChallengeNonce  string      `json:"challenge_nonce"`
	X25519PublicKey string      `json:"x25519_public_key"`
	ResumeFrom      uint64      `json:"resume_from"`
	Timestamp       int64       `json:"timestamp"`
}

// HandshakeResponse accepts or refuses a handshake.
type HandshakeResponse struct {
	Type            string `json:"type"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Reason          string `json:"reason,omitempty"`
	TerminalID      string `json:"terminal_id,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	AuthToken       string `json:"auth_token,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// HeartbeatMessage is sent periodically by both sides.
type HeartbeatMessage struct {
	Type           string `json:"type"`
	FromTerminalID string `json:"from_terminal_id"`
	Timestamp      int64  `json:"timestamp"`
}

// EventMessage carries one replicated event.
type EventMessage struct {
	Type  string                 `json:"type"`
	Event models.ReplicatedEvent `json:"event"`
}

// AckMessage acknowledges one replicated event.
type AckMessage struct {
	Type             string             `json:"type"`
	EventID          string             `json:"event_id"`
	OriginTerminalID string             `json:"origin_terminal_id"`
	SequenceNo       uint64             `json:"sequence_no"`
	Result           models.ApplyResult `json:"result"`
	Timestamp        int64              `json:"timestamp"`
}

// PeerDisconnect signals graceful disconnect.
type PeerDisconnect struct {
	Type           string `json:"type"`
	FromTerminalID string `json:"from_terminal_id"`
	Timestamp      int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	EventID           string `json:"event_id,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// NewEventMessage wraps an event for the wire.
func NewEventMessage(event models.ReplicatedEvent) EventMessage {
	return EventMessage{Type: TypeEvent, Event: event}
}

// NewAckMessage builds the acknowledgement for event.
func NewAckMessage(event models.ReplicatedEvent, result models.ApplyResult) AckMessage {
	return AckMessage{
		Type:             TypeAck,
		EventID:          event.EventID,
		OriginTerminalID: event.OriginTerminalID,
		SequenceNo:       event.SequenceNo,
		Result:           result,
		Timestamp:        time.Now().UnixMilli(),
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeEvent decodes an event frame.
func DecodeEvent(payload []byte) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return EventMessage{}, fmt.Errorf("decode event: %w", err)
	}
	return msg, nil
}

// DecodeAck decodes an ack frame.
func DecodeAck(payload []byte) (AckMessage, error) {
	var msg AckMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return AckMessage{}, fmt.Errorf("decode ack: %w", err)
	}
	return msg, nil
}

// DecodeError decodes an error frame.
func DecodeError(payload []byte) (ErrorMessage, error) {
	var msg ErrorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ErrorMessage{}, fmt.Errorf("decode error message: %w", err)
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxFrameSize)
}

// ReadControlFrame reads one frame with the pre-session size limit.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxControlFrameSize)
}

func readFrameLimit(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func readControlMessage(conn net.Conn, out any) (string, []byte, error) {
	payload, err := ReadControlFrame(conn)
	if err != nil {
		return "", nil, err
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return "", nil, err
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", msgType, err)
		}
	}
	return msgType, payload, nil
}

func writeControlMessage(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func encodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeBase64(field, value string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return raw, nil
}

func decodeInto(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode protocol message: %w", err)
	}
	return nil
}
