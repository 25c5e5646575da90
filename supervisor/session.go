package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"possync/models"
	"possync/network"
)

// Session is one physical connection to a peer. It is never reused after
// the connection ends.
type Session struct {
	conn *network.PeerConnection
	peer network.PeerInfo

	stateMu sync.RWMutex
	state   models.ConnectionState

	pendingMu    sync.Mutex
	pendingOrder []string
	pending      map[string]struct{}

	kick chan struct{}

	aborted atomic.Bool
}

func newSession(conn *network.PeerConnection) *Session {
	return &Session{
		conn:    conn,
		peer:    conn.Peer(),
		state:   models.StateConnected,
		pending: make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// PeerID returns the remote terminal ID.
func (s *Session) PeerID() string {
	return s.peer.TerminalID
}

// Peer returns the authenticated remote identity.
func (s *Session) Peer() network.PeerInfo {
	return s.peer
}

// Send writes one protocol message.
func (s *Session) Send(message any) error {
	return s.conn.SendMessage(message)
}

// State returns the session's supervisor state.
func (s *Session) State() models.ConnectionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(state models.ConnectionState) (models.ConnectionState, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	previous := s.state
	s.state = state
	return previous, previous != state
}

// LastHeard returns when the last frame arrived from the peer.
func (s *Session) LastHeard() time.Time {
	return s.conn.LastHeard()
}

// AddPending records an event ID awaiting acknowledgement. It reports false
// when the ID is already pending.
func (s *Session) AddPending(eventID string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, exists := s.pending[eventID]; exists {
		return false
	}
	s.pending[eventID] = struct{}{}
	s.pendingOrder = append(s.pendingOrder, eventID)
	return true
}

// Ack removes an event ID from the pending set.
func (s *Session) Ack(eventID string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, exists := s.pending[eventID]; !exists {
		return false
	}
	delete(s.pending, eventID)
	for i, id := range s.pendingOrder {
		if id == eventID {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
	return true
}

// PendingAcks returns pending event IDs in send order.
func (s *Session) PendingAcks() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return append([]string(nil), s.pendingOrder...)
}

// Kick wakes whoever is waiting on Kicks. Repeated kicks coalesce.
func (s *Session) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Kicks is signalled by Kick.
func (s *Session) Kicks() <-chan struct{} {
	return s.kick
}

// Abort tears the session down with err. Messages still queued on the
// session must be ignored once Aborted reports true.
func (s *Session) Abort(err error) {
	s.aborted.Store(true)
	s.conn.Abort(err)
}

// Aborted reports whether Abort was called.
func (s *Session) Aborted() bool {
	return s.aborted.Load()
}

// Done is closed when the underlying connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}

// BytesSent returns sealed bytes written on this session.
func (s *Session) BytesSent() uint64 {
	return s.conn.BytesSent()
}

// BytesReceived returns sealed bytes read on this session.
func (s *Session) BytesReceived() uint64 {
	return s.conn.BytesReceived()
}
