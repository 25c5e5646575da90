// Package supervisor owns the lifecycle of every peer connection: dialing
// the Master as a Satellite, adopting inbound sessions as a Master, liveness
// tracking and reconnect with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"possync/logger"
	"possync/models"
	"possync/network"
	"possync/registry"
)

const (
	// DefaultDegradedAfter is the silence after which a session is Degraded.
	DefaultDegradedAfter = 15 * time.Second
	// DefaultDisconnectAfter is the silence after which a session is torn down.
	DefaultDisconnectAfter = 30 * time.Second
)

var (
	// ErrPeerSilent indicates a session was torn down for missing heartbeats.
	ErrPeerSilent = errors.New("supervisor: peer silent")
	// ErrUnsupportedRole indicates the local role does not run a supervisor.
	ErrUnsupportedRole = errors.New("supervisor: role does not sync")
	// ErrListenerRequired indicates a Master was started without a listener.
	ErrListenerRequired = errors.New("supervisor: master requires a bound listener")
)

// Handler receives session lifecycle and inbound protocol messages. Methods
// are called from per-session goroutines.
type Handler interface {
	SessionUp(session *Session)
	SessionDown(session *Session, err error)
	HandleMessage(session *Session, msgType string, payload []byte)
}

// StateChange is emitted whenever a peer's connection state changes.
type StateChange struct {
	TerminalID string
	Address    string
	From       models.ConnectionState
	To         models.ConnectionState
	Err        error
	At         time.Time
}

// PeerStatus is the supervisor's per-peer bookkeeping.
type PeerStatus struct {
	TerminalID  string
	DisplayName string
	Address     string
	State       models.ConnectionState
	Attempts    int
	LastError   string
	ConnectedAt time.Time
}

// Options configures a Supervisor.
type Options struct {
	Identity   models.TerminalIdentity
	NetworkKey []byte
	Registry   *registry.Registry
	Handler    Handler
	Logger     *slog.Logger

	// MasterAddress pins a Satellite to one Master and disables discovery offers.
	MasterAddress string

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	FrameReadTimeout  time.Duration
	WriteTimeout      time.Duration
	DegradedAfter     time.Duration
	DisconnectAfter   time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	SendHeartbeats    *bool

	ResumeFrom func(masterID string) uint64
	Accept     network.AcceptFunc
}

type target struct {
	TerminalID  string
	DisplayName string
	Address     string
	Source      models.PeerSource
}

// key identifies the target for blocking and status bookkeeping.
func (t target) key() string {
	if t.TerminalID != "" {
		return t.TerminalID
	}
	return t.Address
}

// blockKey identifies a refused Master: the same terminal at the same address.
func (t target) blockKey() string {
	return t.TerminalID + "@" + t.Address
}

// Supervisor is the Connection Supervisor.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	server *network.Server

	mu       sync.RWMutex
	sessions map[string]*Session
	peers    map[string]*PeerStatus

	targetMu  sync.Mutex
	candidate *target
	blocked   map[string]string
	held      bool
	seen      map[string]time.Time
	offers    chan struct{}
	wake      chan struct{}

	closedSent     atomic.Uint64
	closedReceived atomic.Uint64

	events chan StateChange
	errs   chan error

	startOnce sync.Once
	stopOnce  sync.Once
}

// New validates options and creates an idle supervisor.
func New(options Options) (*Supervisor, error) {
	role := options.Identity.Role
	if role != models.RoleMaster && role != models.RoleSatellite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRole, role)
	}
	if options.Identity.TerminalID == "" {
		return nil, errors.New("supervisor: terminal ID is required")
	}
	if options.Registry == nil {
		return nil, errors.New("supervisor: registry is required")
	}
	if options.Handler == nil {
		return nil, errors.New("supervisor: handler is required")
	}
	if options.Logger == nil {
		options.Logger = logger.Discard()
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = network.DefaultHeartbeatInterval
	}
	if options.DegradedAfter <= 0 {
		options.DegradedAfter = DefaultDegradedAfter
	}
	if options.DisconnectAfter <= 0 {
		options.DisconnectAfter = DefaultDisconnectAfter
	}
	if options.DisconnectAfter < options.DegradedAfter {
		return nil, errors.New("supervisor: disconnect threshold must not be below degraded threshold")
	}

	return &Supervisor{
		opts:     options,
		log:      options.Logger.With("component", "supervisor", "role", role),
		sessions: make(map[string]*Session),
		peers:    make(map[string]*PeerStatus),
		blocked:  make(map[string]string),
		seen:     make(map[string]time.Time),
		offers:   make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		events:   make(chan StateChange, 128),
		errs:     make(chan error, 32),
	}, nil
}

// Start begins adopting inbound sessions (Master) or dialing the Master
// (Satellite). A Master needs the listener bound by the role manager.
func (s *Supervisor) Start(listener net.Listener) error {
	var startErr error
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())

		switch s.opts.Identity.Role {
		case models.RoleMaster:
			if listener == nil {
				startErr = ErrListenerRequired
				return
			}
			server, err := network.Serve(listener, s.handshakeOptions())
			if err != nil {
				startErr = err
				return
			}
			s.server = server
			s.log.Info("accepting satellites", "address", listener.Addr().String())

			s.wg.Add(1)
			go s.serverLoop()
		case models.RoleSatellite:
			if s.opts.MasterAddress != "" {
				s.setCandidate(target{Address: s.opts.MasterAddress, Source: models.PeerSourceManual})
			}

			s.wg.Add(1)
			go s.satelliteLoop()
		}
	})
	return startErr
}

// Stop disconnects every session and waits for all goroutines.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}

		s.cancel()
		if s.server != nil {
			_ = s.server.Close()
		}

		s.wg.Wait()
		close(s.events)
		close(s.errs)
	})
}

// Events returns connection state changes.
func (s *Supervisor) Events() <-chan StateChange {
	return s.events
}

// Errors returns asynchronous connection errors.
func (s *Supervisor) Errors() <-chan error {
	return s.errs
}

// Addr returns the Master's listening address.
func (s *Supervisor) Addr() net.Addr {
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

// OfferMaster proposes a discovered Master to a Satellite. It reports whether
// the offer became the next dial target. Offers are ignored by Masters, when a
// master address is configured, while the Satellite is held, and for targets
// refused for authentication or version reasons.
//
// A Master first seen after the live session started replaces that session:
// the old one is torn down before the new one is dialed. Masters already seen
// when the session started do not, so two Masters announcing at once cannot
// make a Satellite flap between them.
func (s *Supervisor) OfferMaster(terminalID, displayName, address string) bool {
	if s.opts.Identity.Role != models.RoleSatellite || s.opts.MasterAddress != "" {
		return false
	}
	if address == "" || terminalID == s.opts.Identity.TerminalID {
		return false
	}

	next := target{
		TerminalID:  terminalID,
		DisplayName: displayName,
		Address:     address,
		Source:      models.PeerSourceDiscovered,
	}

	s.targetMu.Lock()
	firstSeen, known := s.seen[terminalID]
	if !known {
		firstSeen = time.Now()
		s.seen[terminalID] = firstSeen
	}
	if s.held {
		s.targetMu.Unlock()
		return false
	}
	if _, refused := s.blocked[next.blockKey()]; refused {
		s.targetMu.Unlock()
		return false
	}
	s.targetMu.Unlock()

	var replaced *Session
	for _, live := range s.Sessions() {
		if live.PeerID() == terminalID {
			return false
		}
		if firstSeen.Before(live.conn.EstablishedAt()) {
			return false
		}
		replaced = live
	}

	s.targetMu.Lock()
	if replaced == nil && s.candidate != nil && *s.candidate == next {
		s.targetMu.Unlock()
		return false
	}
	s.targetMu.Unlock()

	s.setCandidate(next)
	if replaced != nil {
		s.log.Info("new master discovered, replacing session",
			"old_master", replaced.PeerID(), "new_master", terminalID, "address", address)
		_ = replaced.conn.Disconnect()
	}
	return true
}

// AddMaster points a Satellite at a manually entered Master address. It
// replaces the current dial target and lifts any earlier refusal for it.
func (s *Supervisor) AddMaster(address string) bool {
	if s.opts.Identity.Role != models.RoleSatellite || address == "" {
		return false
	}

	next := target{Address: address, Source: models.PeerSourceManual}
	s.targetMu.Lock()
	s.held = false
	for key := range s.blocked {
		if strings.HasSuffix(key, "@"+address) {
			delete(s.blocked, key)
		}
	}
	s.targetMu.Unlock()

	s.setCandidate(next)
	s.log.Info("master address added", "address", address)
	return true
}

// Hold disconnects a Satellite from its Master and keeps it disconnected:
// the dial target is dropped and discovery offers are ignored until AddMaster.
func (s *Supervisor) Hold() bool {
	if s.opts.Identity.Role != models.RoleSatellite {
		return false
	}
	s.targetMu.Lock()
	s.held = true
	s.candidate = nil
	s.targetMu.Unlock()

	for _, session := range s.Sessions() {
		_ = session.conn.Disconnect()
	}
	s.log.Info("disconnected from master on request")
	return true
}

// Held reports whether Hold is in effect.
func (s *Supervisor) Held() bool {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	return s.held
}

// ForgetPeer drops everything known about a peer: its live session is closed
// without reporting a state change, its bookkeeping and registry entry are
// removed, and a Satellite stops dialing it. A forgotten Master can come back
// through discovery or AddMaster. It reports whether the peer was known.
func (s *Supervisor) ForgetPeer(terminalID string) bool {
	if terminalID == "" {
		return false
	}

	s.mu.Lock()
	session := s.sessions[terminalID]
	delete(s.sessions, terminalID)
	_, known := s.peers[terminalID]
	delete(s.peers, terminalID)
	s.mu.Unlock()

	s.targetMu.Lock()
	delete(s.seen, terminalID)
	if c := s.candidate; c != nil {
		if c.TerminalID == terminalID || (session != nil && c.TerminalID == "" && c.Address == session.Peer().Address) {
			s.candidate = nil
			known = true
		}
	}
	s.targetMu.Unlock()

	if session != nil {
		known = true
		_ = session.conn.Disconnect()
	}
	if s.opts.Registry.Remove(terminalID) {
		known = true
	}
	if known {
		s.log.Info("peer forgotten", "peer", terminalID)
	}
	return known
}

// RetryNow cuts a Satellite's reconnect backoff short.
func (s *Supervisor) RetryNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Session returns the live session with a peer.
func (s *Supervisor) Session(terminalID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[terminalID]
	return session, ok
}

// Sessions returns every live session.
func (s *Supervisor) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID() < out[j].PeerID()
	})
	return out
}

// Peers returns per-peer bookkeeping sorted by terminal ID then address.
func (s *Supervisor) Peers() []PeerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerStatus, 0, len(s.peers))
	for _, status := range s.peers {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TerminalID == out[j].TerminalID {
			return out[i].Address < out[j].Address
		}
		return out[i].TerminalID < out[j].TerminalID
	})
	return out
}

// Traffic returns sealed bytes sent and received over all sessions so far.
func (s *Supervisor) Traffic() (sent, received uint64) {
	sent = s.closedSent.Load()
	received = s.closedReceived.Load()
	for _, session := range s.Sessions() {
		sent += session.BytesSent()
		received += session.BytesReceived()
	}
	return sent, received
}

func (s *Supervisor) handshakeOptions() network.HandshakeOptions {
	return network.HandshakeOptions{
		Identity:          s.opts.Identity,
		NetworkKey:        s.opts.NetworkKey,
		ConnectTimeout:    s.opts.ConnectTimeout,
		HandshakeTimeout:  s.opts.HandshakeTimeout,
		HeartbeatInterval: s.opts.HeartbeatInterval,
		FrameReadTimeout:  s.opts.FrameReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		SendHeartbeats:    s.opts.SendHeartbeats,
		ResumeFrom:        s.opts.ResumeFrom,
		Accept:            s.accept,
	}
}

func (s *Supervisor) accept(peer network.PeerInfo) (string, string) {
	if s.ctx.Err() != nil {
		return network.CodeNotAccepting, "master is shutting down"
	}
	if s.opts.Accept != nil {
		return s.opts.Accept(peer)
	}
	return "", ""
}

func (s *Supervisor) serverLoop() {
	defer s.wg.Done()

	for {
		select {
		case conn, ok := <-s.server.Incoming():
			if !ok {
				return
			}
			session := s.adopt(conn, models.PeerSourceInbound, "")
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runSession(session)
			}()
		case err, ok := <-s.server.Errors():
			if !ok {
				return
			}
			s.log.Warn("inbound session refused", logger.Err(err))
			s.reportError(err)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) satelliteLoop() {
	defer s.wg.Done()

	retry := newReconnectBackoff(s.opts.BackoffMin, s.opts.BackoffMax)
	for {
		next, ok := s.waitForTarget()
		if !ok {
			return
		}

		session, err := s.dial(next)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if network.IsFatalHandshakeError(err) {
				s.block(next, err)
				continue
			}
			if !s.sleep(retry.NextBackOff()) {
				return
			}
			continue
		}

		retry.Reset()
		if s.Held() {
			_ = session.conn.Disconnect()
		}
		s.runSession(session)
		if s.ctx.Err() != nil {
			return
		}
		if !s.sleep(retry.NextBackOff()) {
			return
		}
	}
}

func (s *Supervisor) waitForTarget() (target, bool) {
	for {
		s.targetMu.Lock()
		var next *target
		if s.candidate != nil {
			if _, refused := s.blocked[s.candidate.blockKey()]; !refused {
				copied := *s.candidate
				next = &copied
			}
		}
		s.targetMu.Unlock()

		if next != nil {
			return *next, true
		}

		select {
		case <-s.offers:
		case <-s.ctx.Done():
			return target{}, false
		}
	}
}

func (s *Supervisor) setCandidate(next target) {
	s.targetMu.Lock()
	s.candidate = &next
	s.targetMu.Unlock()

	select {
	case s.offers <- struct{}{}:
	default:
	}
}

func (s *Supervisor) block(t target, err error) {
	s.targetMu.Lock()
	s.blocked[t.blockKey()] = err.Error()
	s.targetMu.Unlock()

	s.log.Error("master refused this terminal; not retrying until configuration changes",
		"address", t.Address, "terminal_id", t.TerminalID, logger.Err(err))
}

func (s *Supervisor) sleep(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.wake:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Supervisor) dial(t target) (*Session, error) {
	key := t.key()
	s.updateStatus(key, func(status *PeerStatus) {
		status.TerminalID = t.TerminalID
		status.DisplayName = t.DisplayName
		status.Address = t.Address
		status.Attempts++
	})
	s.transitionTarget(t, models.StateConnecting, nil)

	options := s.handshakeOptions()
	options.OnHandshaking = func() {
		s.transitionTarget(t, models.StateHandshaking, nil)
	}

	s.log.Debug("dialing master", "address", t.Address, "terminal_id", t.TerminalID)
	conn, err := network.Dial(s.ctx, t.Address, options)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warn("connect to master failed", "address", t.Address, logger.Err(err))
			s.reportError(fmt.Errorf("connect to %s: %w", t.Address, err))
		}
		s.transitionTarget(t, models.StateDisconnected, err)
		return nil, err
	}

	source := t.Source
	if source == "" {
		source = models.PeerSourceDiscovered
	}
	return s.adopt(conn, source, key), nil
}

// adopt registers a handshaked connection as the live session for its peer,
// replacing any older session with the same terminal.
func (s *Supervisor) adopt(conn *network.PeerConnection, source models.PeerSource, previousKey string) *Session {
	session := newSession(conn)
	peer := session.Peer()
	now := time.Now()

	s.mu.Lock()
	old := s.sessions[peer.TerminalID]
	s.sessions[peer.TerminalID] = session

	status := s.statusLocked(peer.TerminalID)
	if previousKey != "" && previousKey != peer.TerminalID {
		if carried, ok := s.peers[previousKey]; ok {
			status.Attempts = carried.Attempts
			delete(s.peers, previousKey)
		}
	}
	from := status.State
	status.TerminalID = peer.TerminalID
	status.DisplayName = peer.DisplayName
	status.Address = peer.Address
	status.State = models.StateConnected
	status.LastError = ""
	status.ConnectedAt = conn.EstablishedAt()
	s.mu.Unlock()

	if old != nil {
		s.log.Info("replacing existing session", "peer", peer.TerminalID)
		_ = old.conn.Close()
	}

	_ = s.opts.Registry.Upsert(models.PeerRecord{
		TerminalID:      peer.TerminalID,
		DisplayName:     peer.DisplayName,
		Address:         peer.Address,
		Role:            peer.Role,
		Source:          source,
		LastSeenAt:      now,
		ConnectionState: models.StateConnected,
	})
	s.opts.Registry.SetState(peer.TerminalID, models.StateConnected, "")

	s.log.Info("session established", "peer", peer.TerminalID, "display_name", peer.DisplayName, "address", peer.Address)
	s.emit(StateChange{
		TerminalID: peer.TerminalID,
		Address:    peer.Address,
		From:       from,
		To:         models.StateConnected,
		At:         now,
	})
	return session
}

// runSession blocks until the session ends.
func (s *Supervisor) runSession(session *Session) {
	s.opts.Handler.SessionUp(session)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(session)
	}()

	checkEvery := s.opts.HeartbeatInterval / 2
	if checkEvery <= 0 {
		checkEvery = s.opts.HeartbeatInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	var endErr error
loop:
	for {
		select {
		case <-session.Done():
			endErr = session.conn.LastError()
			break loop
		case <-ticker.C:
			if err := s.checkLiveness(session); err != nil {
				endErr = err
				_ = session.conn.Close()
				break loop
			}
		case <-s.ctx.Done():
			_ = session.conn.Disconnect()
			break loop
		}
	}

	<-readerDone
	s.endSession(session, endErr)
}

func (s *Supervisor) readLoop(session *Session) {
	for {
		payload, err := session.conn.ReceiveMessage(s.ctx)
		if err != nil {
			return
		}
		msgType, err := network.DecodeMessageType(payload)
		if err != nil {
			s.log.Debug("dropping undecodable message", "peer", session.PeerID(), logger.Err(err))
			continue
		}
		if session.Aborted() {
			return
		}
		if session.State() == models.StateDegraded {
			s.transition(session, models.StateConnected, nil)
		}
		s.opts.Handler.HandleMessage(session, msgType, payload)
	}
}

func (s *Supervisor) checkLiveness(session *Session) error {
	silence := time.Since(session.LastHeard())
	switch {
	case silence >= s.opts.DisconnectAfter:
		s.log.Warn("peer silent, tearing down session", "peer", session.PeerID(), "silence", silence.Round(time.Millisecond))
		return fmt.Errorf("%w for %s", ErrPeerSilent, silence.Round(time.Millisecond))
	case silence >= s.opts.DegradedAfter:
		s.transition(session, models.StateDegraded, nil)
	default:
		if session.State() == models.StateDegraded {
			s.transition(session, models.StateConnected, nil)
		}
		s.opts.Registry.MarkSeen(session.PeerID())
	}
	return nil
}

func (s *Supervisor) endSession(session *Session, err error) {
	previous, _ := session.setState(models.StateDisconnected)
	s.closedSent.Add(session.BytesSent())
	s.closedReceived.Add(session.BytesReceived())

	id := session.PeerID()
	s.mu.Lock()
	current := s.sessions[id] == session
	if current {
		delete(s.sessions, id)
		status := s.statusLocked(id)
		status.State = models.StateDisconnected
		status.LastError = errString(err)
	}
	s.mu.Unlock()

	s.opts.Handler.SessionDown(session, err)

	if !current {
		return
	}
	if errors.Is(err, ErrPeerSilent) {
		s.opts.Registry.Remove(id)
	} else {
		s.opts.Registry.SetState(id, models.StateDisconnected, errString(err))
	}

	s.log.Info("session closed", "peer", id, "reason", errString(err))
	s.emit(StateChange{
		TerminalID: id,
		Address:    session.Peer().Address,
		From:       previous,
		To:         models.StateDisconnected,
		Err:        err,
		At:         time.Now(),
	})
}

func (s *Supervisor) transition(session *Session, to models.ConnectionState, err error) {
	from, changed := session.setState(to)
	if !changed {
		return
	}

	id := session.PeerID()
	s.mu.Lock()
	if s.sessions[id] == session {
		s.statusLocked(id).State = to
	}
	s.mu.Unlock()

	s.opts.Registry.SetState(id, to, errString(err))
	if to == models.StateDegraded {
		s.log.Warn("session degraded", "peer", id)
	} else {
		s.log.Info("session recovered", "peer", id, "state", to)
	}
	s.emit(StateChange{
		TerminalID: id,
		Address:    session.Peer().Address,
		From:       from,
		To:         to,
		Err:        err,
		At:         time.Now(),
	})
}

// transitionTarget records a pre-session state for a dial target.
func (s *Supervisor) transitionTarget(t target, to models.ConnectionState, err error) {
	var from models.ConnectionState
	s.updateStatus(t.key(), func(status *PeerStatus) {
		from = status.State
		status.State = to
		if err != nil {
			status.LastError = err.Error()
		}
	})
	if t.TerminalID != "" {
		s.opts.Registry.SetState(t.TerminalID, to, errString(err))
	}
	s.emit(StateChange{
		TerminalID: t.TerminalID,
		Address:    t.Address,
		From:       from,
		To:         to,
		Err:        err,
		At:         time.Now(),
	})
}

func (s *Supervisor) updateStatus(key string, fn func(*PeerStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.statusLocked(key))
}

func (s *Supervisor) statusLocked(key string) *PeerStatus {
	status, ok := s.peers[key]
	if !ok {
		status = &PeerStatus{State: models.StateDisconnected}
		s.peers[key] = status
	}
	return status
}

func (s *Supervisor) emit(change StateChange) {
	select {
	case s.events <- change:
	default:
	}
}

func (s *Supervisor) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
