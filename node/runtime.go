package node

import (
	"fmt"
	"net"
	"sync"
	"time"

	"possync/discovery"
	"possync/logger"
	"possync/models"
	"possync/network"
	"possync/registry"
	"possync/replication"
	"possync/supervisor"
)

// runtime is everything started for one role. It is discarded on a role
// change and never reused.
type runtime struct {
	identity  models.TerminalIdentity
	registry  *registry.Registry
	engine    *replication.Engine
	sup       *supervisor.Supervisor
	announcer Announcer
	scanner   Scanner
	startedAt time.Time

	wg sync.WaitGroup
}

func (n *Node) startRuntime() (*runtime, error) {
	cfg := n.roles.Config()
	identity := cfg.Identity()
	tun := n.opts.Tunables

	rt := &runtime{identity: identity, startedAt: time.Now()}

	rt.registry = registry.New(registry.Options{
		EvictionInterval: tun.EvictionInterval,
		SilenceTimeout:   tun.PeerSilenceTimeout,
		Logger:           n.log,
	})
	rt.registry.Start()

	engine, err := replication.New(replication.Options{
		Identity: identity,
		Store:    n.store,
		Logger:   n.log,
	})
	if err != nil {
		rt.registry.Stop()
		return nil, err
	}
	engine.Start()
	rt.engine = engine
	n.pump(rt, rt.forwardRegistry(n))
	n.pump(rt, rt.forwardEngine(n))

	if identity.Role == models.RoleStandalone {
		n.log.Info("running standalone", "terminal_id", identity.TerminalID)
		return rt, nil
	}

	var listener net.Listener
	if identity.Role == models.RoleMaster {
		listener = n.roles.TakeListener()
		if listener == nil {
			listener, err = n.roles.Listen()
			if err != nil {
				n.stopRuntime(rt)
				return nil, err
			}
		}
	}

	sup, err := supervisor.New(supervisor.Options{
		Identity:          identity,
		NetworkKey:        n.roles.NetworkKey(),
		Registry:          rt.registry,
		Handler:           engine,
		Logger:            n.log,
		MasterAddress:     cfg.Network.MasterAddress,
		ConnectTimeout:    tun.ConnectTimeout,
		HandshakeTimeout:  tun.HandshakeTimeout,
		WriteTimeout:      tun.WriteTimeout,
		HeartbeatInterval: tun.HeartbeatInterval,
		DegradedAfter:     tun.DegradedAfter,
		DisconnectAfter:   tun.DisconnectAfter,
		BackoffMin:        tun.BackoffMin,
		BackoffMax:        tun.BackoffMax,
		ResumeFrom:        engine.ResumeFrom,
	})
	if err == nil {
		err = sup.Start(listener)
	}
	if err != nil {
		if listener != nil {
			_ = listener.Close()
		}
		n.stopRuntime(rt)
		return nil, err
	}
	rt.sup = sup
	n.pump(rt, rt.forwardSupervisor(n))

	disco := discovery.Config{
		AnnounceInterval: tun.AnnounceInterval,
		ScanTimeout:      tun.ScanTimeout,
		SelfTerminalID:   identity.TerminalID,
		DisplayName:      identity.DisplayName,
		Role:             identity.Role,
		StoreName:        cfg.StoreName,
		Logger:           n.log,
	}

	switch identity.Role {
	case models.RoleMaster:
		if tcp, ok := sup.Addr().(*net.TCPAddr); ok {
			disco.ListeningPort = tcp.Port
		}
		announcer, err := n.opts.Announce(disco)
		if err != nil {
			n.log.Warn("discovery announce failed; satellites need a configured master address", logger.Err(err))
			n.recordError(fmt.Errorf("announce: %w", err))
		} else {
			rt.announcer = announcer
		}

		// Masters browse only to spot a second Master on the segment.
		scanner, err := n.opts.Listen(disco, n.watchForMasters(identity))
		if err != nil {
			n.log.Warn("master watch unavailable", logger.Err(err))
		} else {
			rt.scanner = scanner
		}

	case models.RoleSatellite:
		if cfg.Network.MasterAddress != "" || !cfg.Network.AutoDiscovery {
			break
		}
		scanner, err := n.opts.Listen(disco, n.offerDiscovered(rt))
		if err != nil {
			n.log.Warn("discovery unavailable", logger.Err(err))
			n.recordError(fmt.Errorf("discovery: %w", err))
		} else {
			rt.scanner = scanner
		}
	}

	n.log.Info("sync runtime started",
		"terminal_id", identity.TerminalID,
		"role", identity.Role,
		"master_address", cfg.Network.MasterAddress,
		"auto_discovery", cfg.Network.AutoDiscovery,
	)
	return rt, nil
}

// stopRuntime stops components in dependency order. The forwarding pumps
// end once the component channels close.
func (n *Node) stopRuntime(rt *runtime) {
	if rt.scanner != nil {
		rt.scanner.Stop()
	}
	if rt.announcer != nil {
		rt.announcer.Stop()
	}
	if rt.sup != nil {
		rt.sup.Stop()
	}
	rt.engine.Stop()
	rt.registry.Stop()
	rt.wg.Wait()
	n.log.Info("sync runtime stopped", "role", rt.identity.Role)
}

func (n *Node) pump(rt *runtime, fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		fn()
	}()
}

func (n *Node) offerDiscovered(rt *runtime) discovery.PeerFoundFunc {
	return func(peer discovery.DiscoveredPeer) {
		address := peer.Address()
		if address == "" {
			return
		}
		if err := rt.registry.Upsert(models.PeerRecord{
			TerminalID:  peer.TerminalID,
			DisplayName: peer.DisplayName,
			Address:     address,
			Role:        peer.Role,
			Source:      models.PeerSourceDiscovered,
			LastSeenAt:  peer.LastSeen,
		}); err != nil {
			return
		}
		if peer.Role == models.RoleMaster && rt.sup != nil {
			rt.sup.OfferMaster(peer.TerminalID, peer.DisplayName, address)
		}
	}
}

// watchForMasters raises an operator alert for every other Master seen on
// the segment. Resolving it is left to the operator.
func (n *Node) watchForMasters(self models.TerminalIdentity) discovery.PeerFoundFunc {
	return func(peer discovery.DiscoveredPeer) {
		if peer.Role != models.RoleMaster || peer.TerminalID == self.TerminalID {
			return
		}
		message := fmt.Sprintf("another master %q (%s) is announcing at %s", peer.DisplayName, peer.TerminalID, peer.Address())
		if n.raiseAlert("master:"+peer.TerminalID, message) {
			n.log.Error("multiple masters on segment", "other_terminal_id", peer.TerminalID, "address", peer.Address())
			n.notify(Notification{
				Type:       NotifyNetworkError,
				TerminalID: peer.TerminalID,
				Message:    message,
				At:         time.Now(),
			})
		}
	}
}

func (rt *runtime) forwardRegistry(n *Node) func() {
	events := rt.registry.Events()
	return func() {
		for event := range events {
			var kind NotificationType
			switch event.Type {
			case registry.EventPeerDiscovered:
				kind = NotifyPeerDiscovered
			case registry.EventPeerLost:
				kind = NotifyPeerLost
			default:
				continue
			}
			n.notify(Notification{Type: kind, TerminalID: event.Peer.TerminalID, Peer: event.Peer, At: time.Now()})
		}
	}
}

func (rt *runtime) forwardEngine(n *Node) func() {
	notifications := rt.engine.Notifications()
	return func() {
		for note := range notifications {
			switch note.Type {
			case replication.NotifyConflictDetected:
				message := fmt.Sprintf("conflict on %s event %s from %s", note.Event.Kind, note.Event.Key(), note.PeerID)
				n.raiseAlert(conflictAlertPrefix+note.Event.Key().String(), message)
				n.notify(Notification{Type: NotifyConflictDetected, TerminalID: note.PeerID, Event: note.Event, Message: message, At: note.At})
			case replication.NotifySyncCompleted:
				n.notify(Notification{Type: NotifySyncCompleted, TerminalID: note.PeerID, At: note.At})
			}
		}
	}
}

func (rt *runtime) forwardSupervisor(n *Node) func() {
	changes := rt.sup.Events()
	errs := rt.sup.Errors()
	return func() {
		for changes != nil || errs != nil {
			select {
			case change, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				note := Notification{
					Type:       NotifySessionState,
					TerminalID: change.TerminalID,
					Address:    change.Address,
					State:      change.To,
					At:         change.At,
				}
				if change.Err != nil {
					note.Message = change.Err.Error()
				}
				if change.Err != nil && network.IsFatalHandshakeError(change.Err) {
					n.raiseAlert("refused:"+change.Address, fmt.Sprintf("master at %s refused this terminal: %v", change.Address, change.Err))
				}
				n.notify(note)
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				n.recordError(err)
				n.notify(Notification{Type: NotifyNetworkError, Message: err.Error(), At: time.Now()})
			}
		}
	}
}
