package models

import "time"

// ConnectionState is the supervisor state of one peer.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateHandshaking  ConnectionState = "handshaking"
	StateConnected    ConnectionState = "connected"
	StateDegraded     ConnectionState = "degraded"
)

// Live reports whether a session in this state counts as an active session.
func (s ConnectionState) Live() bool {
	return s == StateConnected || s == StateDegraded
}

// PeerSource records how a peer entered the registry.
type PeerSource string

const (
	PeerSourceDiscovered PeerSource = "discovered"
	PeerSourceManual     PeerSource = "manual"
	PeerSourceInbound    PeerSource = "inbound"
)

// PeerRecord is one known terminal on the LAN.
type PeerRecord struct {
	TerminalID      string          `json:"terminal_id"`
	DisplayName     string          `json:"display_name"`
	Address         string          `json:"address"`
	Role            Role            `json:"role"`
	Source          PeerSource      `json:"source"`
	LastSeenAt      time.Time       `json:"last_seen_at"`
	ConnectionState ConnectionState `json:"connection_state"`
	LastError       string          `json:"last_error,omitempty"`
}
