package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"possync/crypto"
	"possync/models"
)

// PeerInfo describes the authenticated remote end of a connection.
type PeerInfo struct {
	TerminalID  string
	DisplayName string
	Role        models.Role
	Address     string
	// ResumeFrom is the satellite's replication cursor at handshake time.
	ResumeFrom uint64
}

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	Local             models.TerminalIdentity
	Peer              PeerInfo
	HeartbeatInterval time.Duration
	FrameReadTimeout  time.Duration
	WriteTimeout      time.Duration
	SendHeartbeats    bool
}

// PeerConnection is an authenticated, encrypted framed TCP session.
// Every frame after the handshake is sealed with the session key.
type PeerConnection struct {
	conn net.Conn

	sessionKey []byte
	local      models.TerminalIdentity
	peer       PeerInfo

	sendMu sync.Mutex

	lastHeard     atomic.Int64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	establishedAt time.Time

	heartbeatInterval time.Duration
	frameReadTimeout  time.Duration
	writeTimeout      time.Duration
	sendHeartbeats    bool

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, sessionKey []byte, options ConnectionOptions) *PeerConnection {
	interval := options.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	pc := &PeerConnection{
		conn:              conn,
		sessionKey:        append([]byte(nil), sessionKey...),
		local:             options.Local,
		peer:              options.Peer,
		establishedAt:     time.Now(),
		heartbeatInterval: interval,
		frameReadTimeout:  readTimeout,
		writeTimeout:      writeTimeout,
		sendHeartbeats:    options.SendHeartbeats,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
	}

	pc.touch()
	go pc.readLoop()
	if pc.sendHeartbeats {
		go pc.heartbeatLoop()
	}

	return pc
}

// Peer returns the authenticated remote identity.
func (pc *PeerConnection) Peer() PeerInfo {
	return pc.peer
}

// LastHeard returns when the last valid frame arrived.
func (pc *PeerConnection) LastHeard() time.Time {
	return time.Unix(0, pc.lastHeard.Load())
}

// EstablishedAt returns when the handshake completed.
func (pc *PeerConnection) EstablishedAt() time.Time {
	return pc.establishedAt
}

// BytesSent returns the number of sealed bytes written.
func (pc *PeerConnection) BytesSent() uint64 {
	return pc.bytesSent.Load()
}

// BytesReceived returns the number of sealed bytes read.
func (pc *PeerConnection) BytesReceived() uint64 {
	return pc.bytesReceived.Load()
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// SendMessage marshals a protocol message and writes it as one sealed frame.
func (pc *PeerConnection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return pc.SendRaw(payload)
}

// SendRaw seals a pre-marshaled payload and writes it as one frame. A write
// that does not finish within the write timeout closes the connection.
func (pc *PeerConnection) SendRaw(payload []byte) error {
	sealed, err := pc.seal(payload)
	if err != nil {
		return err
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	return pc.writeSealed(sealed)
}

func (pc *PeerConnection) seal(payload []byte) ([]byte, error) {
	select {
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	default:
	}
	return crypto.Seal(pc.sessionKey, payload, []byte(pc.local.TerminalID))
}

// writeSealed must be called with sendMu held.
func (pc *PeerConnection) writeSealed(sealed []byte) error {
	if err := pc.conn.SetWriteDeadline(time.Now().Add(pc.writeTimeout)); err != nil {
		pc.closeWithError(err)
		return err
	}
	if err := WriteFrame(pc.conn, sealed); err != nil {
		pc.closeWithError(err)
		return err
	}
	pc.bytesSent.Add(uint64(len(sealed) + 4))
	return nil
}

// ReceiveMessage waits for the next non-heartbeat inbound protocol frame.
func (pc *PeerConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-pc.inbound:
		return payload, nil
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends peer_disconnect and closes the connection. When another
// write holds the connection the notice is skipped; closing unblocks that
// write.
func (pc *PeerConnection) Disconnect() error {
	defer pc.Close()

	payload, err := EncodeJSON(PeerDisconnect{
		Type:           TypePeerDisconnect,
		FromTerminalID: pc.local.TerminalID,
		Timestamp:      time.Now().UnixMilli(),
	})
	if err != nil {
		return nil
	}
	sealed, err := pc.seal(payload)
	if err != nil {
		return nil
	}
	if !pc.sendMu.TryLock() {
		return nil
	}
	defer pc.sendMu.Unlock()
	_ = pc.writeSealed(sealed)
	return nil
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

// Abort terminates the connection and records err as its LastError.
func (pc *PeerConnection) Abort(err error) {
	pc.closeWithError(err)
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}
			pc.closeWithError(err)
			return
		}

		payload, err := crypto.Open(pc.sessionKey, frame, []byte(pc.peer.TerminalID))
		if err != nil {
			pc.closeWithError(fmt.Errorf("%w: %v", ErrBadFrame, err))
			return
		}
		pc.bytesReceived.Add(uint64(len(frame) + 4))
		pc.touch()

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypeHeartbeat:
		case TypePeerDisconnect:
			pc.closeWithError(nil)
			return
		default:
			select {
			case pc.inbound <- payload:
			case <-pc.closed:
				return
			}
		}
	}
}

func (pc *PeerConnection) heartbeatLoop() {
	ticker := time.NewTicker(pc.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := pc.SendMessage(HeartbeatMessage{
				Type:           TypeHeartbeat,
				FromTerminalID: pc.local.TerminalID,
				Timestamp:      time.Now().UnixMilli(),
			}); err != nil {
				return
			}
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) touch() {
	pc.lastHeard.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)
	})
}
