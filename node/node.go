// Package node is the facade the point-of-sale application talks to. It owns
// the role manager and rebuilds the sync runtime (registry, discovery,
// supervisor, replication engine) whenever the role changes.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"possync/config"
	"possync/crypto"
	"possync/discovery"
	"possync/logger"
	"possync/models"
	"possync/network"
	"possync/role"
	"possync/storage"
)

const (
	notificationBuffer = 256
	maxRecentErrors    = 20
	maxAlerts          = 50
)

var (
	// ErrNotRunning indicates an operation that needs a started node.
	ErrNotRunning = errors.New("node: not running")
	// ErrNotSatellite indicates an operation only a Satellite supports.
	ErrNotSatellite = errors.New("node: terminal is not a satellite")
)

// Announcer is a running discovery announcement.
type Announcer interface {
	Stop()
}

// Scanner is a running discovery browse loop.
type Scanner interface {
	Refresh(ctx context.Context) error
	Stop()
}

// AnnounceFunc starts announcing this terminal.
type AnnounceFunc func(cfg discovery.Config) (Announcer, error)

// ListenFunc starts browsing for other terminals.
type ListenFunc func(cfg discovery.Config, onFound discovery.PeerFoundFunc) (Scanner, error)

// Options configures a Node.
type Options struct {
	Config     *config.TerminalConfig
	ConfigPath string
	Store      *storage.Store
	Tunables   config.Tunables
	Logger     *slog.Logger

	// Announce and Listen default to mDNS.
	Announce AnnounceFunc
	Listen   ListenFunc
}

// NetworkConfig is the read view of the persisted network settings. The
// secret is never returned, only whether one is stored and its fingerprint.
type NetworkConfig struct {
	TerminalID     string
	TerminalName   string
	Role           models.Role
	HasSecret      bool
	KeyFingerprint string
	MasterAddress  string
	ListenPort     uint16
	AutoDiscovery  bool
	StoreName      string
}

// Node is one terminal's sync subsystem.
type Node struct {
	opts  Options
	log   *slog.Logger
	roles *role.Manager
	store *storage.Store

	mu sync.RWMutex
	rt *runtime

	stateMu      sync.Mutex
	lastError    string
	recentErrors []ErrorRecord
	alerts       []alert
	alertKeys    map[string]struct{}

	notifications chan Notification
}

// New creates a stopped node.
func New(options Options) (*Node, error) {
	if options.Config == nil {
		return nil, errors.New("node: config is required")
	}
	if options.Store == nil {
		return nil, errors.New("node: store is required")
	}
	if options.Config.TerminalID == "" {
		return nil, errors.New("node: terminal ID is required")
	}
	if options.Tunables.HeartbeatInterval <= 0 {
		options.Tunables = config.DefaultTunables()
	}
	if err := options.Tunables.Validate(); err != nil {
		return nil, err
	}
	if options.Announce == nil {
		options.Announce = announceMDNS
	}
	if options.Listen == nil {
		options.Listen = listenMDNS
	}
	log := options.Logger
	if log == nil {
		log = logger.Discard()
	}

	return &Node{
		opts:          options,
		log:           log.With("component", "node"),
		roles:         role.NewManager(options.Config, options.ConfigPath, log),
		store:         options.Store,
		alertKeys:     make(map[string]struct{}),
		notifications: make(chan Notification, notificationBuffer),
	}, nil
}

func announceMDNS(cfg discovery.Config) (Announcer, error) {
	broadcaster, err := discovery.StartAnnouncing(cfg)
	if err != nil {
		return nil, err
	}
	return broadcaster, nil
}

func listenMDNS(cfg discovery.Config, onFound discovery.PeerFoundFunc) (Scanner, error) {
	scanner, err := discovery.StartListening(cfg, onFound)
	if err != nil {
		return nil, err
	}
	return scanner, nil
}

// Start brings up the runtime for the configured role. Calling Start on a
// running node is a no-op.
func (n *Node) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rt != nil {
		return nil
	}

	rt, err := n.startRuntime()
	if err != nil {
		n.recordError(err)
		return err
	}
	n.rt = rt
	return nil
}

// Stop tears down every session and background loop. Calling Stop on a
// stopped node is a no-op.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rt == nil {
		return
	}
	n.stopRuntime(n.rt)
	n.rt = nil
}

// RefreshDiscovery runs an immediate discovery scan when discovery is active.
func (n *Node) RefreshDiscovery(ctx context.Context) error {
	n.mu.RLock()
	rt := n.rt
	n.mu.RUnlock()
	if rt == nil {
		return ErrNotRunning
	}
	if rt.scanner == nil {
		return nil
	}
	return rt.scanner.Refresh(ctx)
}

// GetNetworkConfig returns the persisted network settings.
func (n *Node) GetNetworkConfig() NetworkConfig {
	cfg := n.roles.Config()
	return NetworkConfig{
		TerminalID:     cfg.TerminalID,
		TerminalName:   cfg.DisplayName,
		Role:           cfg.Role,
		HasSecret:      len(cfg.Network.SharedSecretHash) > 0,
		KeyFingerprint: crypto.KeyFingerprint(cfg.Network.SharedSecretHash),
		MasterAddress:  cfg.Network.MasterAddress,
		ListenPort:     cfg.Network.ListenPort,
		AutoDiscovery:  cfg.Network.AutoDiscovery,
		StoreName:      cfg.StoreName,
	}
}

// SetNetworkConfig validates and applies new settings. A running node tears
// down its runtime, applies the role change and starts again. When the role
// change fails after teardown the previous runtime is restored.
func (n *Node) SetNetworkConfig(settings role.Settings) error {
	if err := n.roles.Validate(settings.Role, settings); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	wasRunning := n.rt != nil
	if wasRunning {
		n.stopRuntime(n.rt)
		n.rt = nil
	}

	if err := n.roles.SetRole(settings.Role, settings); err != nil {
		n.recordError(err)
		if wasRunning {
			rt, restartErr := n.startRuntime()
			if restartErr != nil {
				n.log.Error("restore previous runtime failed", logger.Err(restartErr))
				n.recordError(restartErr)
				return errors.Join(err, restartErr)
			}
			n.rt = rt
		}
		return err
	}
	n.clearNetworkAlerts()

	if !wasRunning {
		return nil
	}
	rt, err := n.startRuntime()
	if err != nil {
		n.recordError(err)
		return err
	}
	n.rt = rt
	return nil
}

// MasterCheck is the outcome of a successful TestMasterConnection.
type MasterCheck struct {
	TerminalID  string
	DisplayName string
	Address     string
	Latency     time.Duration
}

func parseMasterAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	host, port, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: %q", role.ErrInvalidMasterAddress, address)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("%w: %q", role.ErrInvalidMasterAddress, address)
	}
	return address, nil
}

// satelliteRuntime returns the running Satellite runtime.
func (n *Node) satelliteRuntime() (*runtime, error) {
	n.mu.RLock()
	rt := n.rt
	n.mu.RUnlock()
	if rt == nil {
		return nil, ErrNotRunning
	}
	if rt.identity.Role != models.RoleSatellite || rt.sup == nil {
		return nil, ErrNotSatellite
	}
	return rt, nil
}

// AddPeer points a Satellite at a manually entered Master address. It also
// ends a DisconnectFromMaster hold.
func (n *Node) AddPeer(address string) error {
	address, err := parseMasterAddress(address)
	if err != nil {
		return err
	}
	rt, err := n.satelliteRuntime()
	if err != nil {
		return err
	}
	rt.sup.AddMaster(address)
	return nil
}

// RemovePeer forgets a peer. Its session, if any, is closed and it leaves the
// peer list. A Satellite stops dialing a removed Master until discovery or
// AddPeer offers it again. It reports whether the peer was known.
func (n *Node) RemovePeer(terminalID string) (bool, error) {
	n.mu.RLock()
	rt := n.rt
	n.mu.RUnlock()
	if rt == nil {
		return false, ErrNotRunning
	}
	if rt.sup != nil {
		return rt.sup.ForgetPeer(terminalID), nil
	}
	return rt.registry.Remove(terminalID), nil
}

// DisconnectFromMaster closes a Satellite's Master session and keeps it
// closed until AddPeer is called or the network settings change.
func (n *Node) DisconnectFromMaster() error {
	rt, err := n.satelliteRuntime()
	if err != nil {
		return err
	}
	rt.sup.Hold()
	return nil
}

// ForceSync pushes pending work to every live session now. A Satellite with
// no session retries its Master without waiting out the backoff. It returns
// how many sessions were woken.
func (n *Node) ForceSync() (int, error) {
	n.mu.RLock()
	rt := n.rt
	n.mu.RUnlock()
	if rt == nil {
		return 0, ErrNotRunning
	}
	woken := rt.engine.SyncNow()
	if woken == 0 && rt.sup != nil && rt.identity.Role == models.RoleSatellite {
		rt.sup.RetryNow()
	}
	return woken, nil
}

// TestMasterConnection dials address and completes one handshake without
// joining the network, then hangs up. An empty secret uses the stored one.
// The node does not need to be running.
func (n *Node) TestMasterConnection(ctx context.Context, address, secret string) (MasterCheck, error) {
	address, err := parseMasterAddress(address)
	if err != nil {
		return MasterCheck{}, err
	}

	key := n.roles.NetworkKey()
	if secret != "" {
		if key, err = crypto.HashSecret(secret); err != nil {
			return MasterCheck{}, err
		}
	}
	if len(key) == 0 {
		return MasterCheck{}, role.ErrMissingSecret
	}

	cfg := n.roles.Config()
	tun := n.opts.Tunables
	silent := false
	started := time.Now()
	conn, err := network.Dial(ctx, address, network.HandshakeOptions{
		Identity: models.TerminalIdentity{
			TerminalID:  cfg.TerminalID + "-check",
			DisplayName: cfg.DisplayName,
			Role:        models.RoleSatellite,
		},
		NetworkKey:       key,
		ConnectTimeout:   tun.ConnectTimeout,
		HandshakeTimeout: tun.HandshakeTimeout,
		WriteTimeout:     tun.WriteTimeout,
		SendHeartbeats:   &silent,
		// Nothing is replayed to a connection check.
		ResumeFrom: func(string) uint64 { return math.MaxInt64 },
	})
	if err != nil {
		n.log.Warn("master connection check failed", "address", address, logger.Err(err))
		return MasterCheck{}, err
	}
	latency := time.Since(started)
	defer func() {
		_ = conn.Disconnect()
	}()

	peer := conn.Peer()
	n.log.Info("master connection check passed", "address", address, "master", peer.TerminalID, "latency", latency.Round(time.Millisecond))
	return MasterCheck{
		TerminalID:  peer.TerminalID,
		DisplayName: peer.DisplayName,
		Address:     address,
		Latency:     latency,
	}, nil
}

// Publish records a mutation the business layer already applied locally.
// It never waits on the network.
func (n *Node) Publish(kind models.EventKind, record any) (models.ReplicatedEvent, error) {
	n.mu.RLock()
	rt := n.rt
	n.mu.RUnlock()
	if rt == nil {
		return models.ReplicatedEvent{}, ErrNotRunning
	}
	return rt.engine.Publish(kind, record)
}

// Conflicts returns the most recent recorded conflicts.
func (n *Node) Conflicts(limit int) ([]models.Conflict, error) {
	return n.store.ListConflicts(limit)
}

// Notifications delivers peer, session, conflict and error notifications
// for the node's lifetime. Slow readers miss notifications.
func (n *Node) Notifications() <-chan Notification {
	return n.notifications
}

// RotateSecret replaces the network secret and restarts a running node so
// new sessions use it.
func (n *Node) RotateSecret(secret string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.roles.RotateSecret(secret); err != nil {
		return err
	}
	if n.rt == nil {
		return nil
	}
	n.stopRuntime(n.rt)
	n.rt = nil
	rt, err := n.startRuntime()
	if err != nil {
		n.recordError(err)
		return err
	}
	n.rt = rt
	return nil
}

func (n *Node) uptime(rt *runtime) time.Duration {
	if rt == nil {
		return 0
	}
	return time.Since(rt.startedAt)
}
