package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"possync/crypto"
	"possync/models"
)

// Server accepts inbound satellite sessions and upgrades them to PeerConnection.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds a TCP listener and starts the handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server, err := Serve(listener, options)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	return server, nil
}

// Serve runs the accept loop on an already bound listener.
func Serve(listener net.Listener, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted and handshaked peer connections.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	peerConnection, err := s.serverHandshake(conn)
	if err != nil {
		s.reportError(fmt.Errorf("handshake with %s: %w", conn.RemoteAddr(), err))
		return
	}

	closeConn = false
	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) serverHandshake(conn net.Conn) (*PeerConnection, error) {
	opts := s.options
	if err := conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		return nil, err
	}
	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}
	nonceBase64 := encodeBase64(nonce)

	if err := writeControlMessage(conn, HandshakeChallenge{
		Type:            TypeHandshakeChallenge,
		Nonce:           nonceBase64,
		TerminalID:      opts.Identity.TerminalID,
		DisplayName:     opts.Identity.DisplayName,
		ProtocolVersion: ProtocolVersion,
		X25519PublicKey: encodeBase64(ephemeralPublic.Bytes()),
		Timestamp:       time.Now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("write handshake challenge: %w", err)
	}

	var handshake HandshakeMessage
	msgType, _, err := readControlMessage(conn, &handshake)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if msgType != TypeHandshake {
		_ = writeControlMessage(conn, ErrorMessage{
			Type:      TypeError,
			Code:      "unknown_type",
			Message:   fmt.Sprintf("Expected %q, got %q", TypeHandshake, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshake, msgType)
	}

	if handshake.ProtocolVersion != ProtocolVersion {
		return nil, s.refuse(conn, CodeVersionMismatch,
			fmt.Sprintf("unsupported protocol version: expected %d, got %d", ProtocolVersion, handshake.ProtocolVersion))
	}
	if handshake.ChallengeNonce != nonceBase64 || handshake.TerminalID == "" {
		return nil, s.refuse(conn, CodeAuthRejected, "challenge mismatch")
	}
	token, err := decodeBase64("auth token", handshake.AuthToken)
	if err != nil || !crypto.VerifyAuthToken(opts.NetworkKey, nonce, handshake.TerminalID, string(handshake.Role), token) {
		return nil, s.refuse(conn, CodeAuthRejected, "network secret mismatch")
	}
	if handshake.Role != models.RoleSatellite {
		return nil, s.refuse(conn, CodeRoleRejected,
			fmt.Sprintf("terminal role %q cannot join a master", handshake.Role))
	}

	peer := PeerInfo{
		TerminalID:  handshake.TerminalID,
		DisplayName: handshake.DisplayName,
		Role:        handshake.Role,
		Address:     conn.RemoteAddr().String(),
		ResumeFrom:  handshake.ResumeFrom,
	}
	if opts.Accept != nil {
		if code, reason := opts.Accept(peer); code != "" {
			return nil, s.refuse(conn, code, reason)
		}
	}

	sessionKey, err := deriveSessionKey(ephemeralPrivate, handshake.X25519PublicKey, opts.NetworkKey, nonce, handshake.TerminalID, opts.Identity.TerminalID)
	if err != nil {
		return nil, err
	}
	proof, err := crypto.AuthToken(opts.NetworkKey, nonce, opts.Identity.TerminalID, string(models.RoleMaster))
	if err != nil {
		return nil, err
	}

	if err := writeControlMessage(conn, HandshakeResponse{
		Type:            TypeHandshakeResponse,
		Accepted:        true,
		TerminalID:      opts.Identity.TerminalID,
		DisplayName:     opts.Identity.DisplayName,
		AuthToken:       encodeBase64(proof),
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, opts.connectionOptions(peer)), nil
}

func (s *Server) refuse(conn net.Conn, code, reason string) error {
	_ = writeControlMessage(conn, rejection(code, reason))
	return rejectionError(code, reason)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
