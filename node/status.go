package node

import (
	"strings"
	"time"

	"possync/models"
)

// NotificationType identifies a node notification.
type NotificationType string

const (
	NotifyPeerDiscovered   NotificationType = "peer_discovered"
	NotifyPeerLost         NotificationType = "peer_lost"
	NotifySessionState     NotificationType = "session_state"
	NotifyConflictDetected NotificationType = "conflict_detected"
	NotifySyncCompleted    NotificationType = "sync_completed"
	NotifyNetworkError     NotificationType = "network_error"
)

// Notification is pushed to the application as things change.
type Notification struct {
	Type       NotificationType
	TerminalID string
	Address    string
	Peer       models.PeerRecord
	State      models.ConnectionState
	Event      models.ReplicatedEvent
	Message    string
	At         time.Time
}

// Status is the connection summary shown on the status bar.
type Status struct {
	Mode              models.Role
	IsRunning         bool
	LocalAddress      string
	PeerCount         int
	ConnectedToMaster bool
	CurrentMasterID   string
	LastError         string
	Alerts            []string
}

const conflictAlertPrefix = "conflict:"

type alert struct {
	key     string
	message string
}

// ErrorRecord is one entry of the recent error log.
type ErrorRecord struct {
	At      time.Time
	Message string
}

// Stats is the replication and traffic summary.
type Stats struct {
	EventsSent     uint64
	EventsReceived uint64
	LastSyncAt     time.Time
	LogIndex       uint64
	Backlog        int
	Conflicts      int
	BytesSent      uint64
	BytesReceived  uint64
	Uptime         time.Duration
	RecentErrors   []ErrorRecord
}

// GetStatus returns the current status.
func (n *Node) GetStatus() Status {
	n.mu.RLock()
	rt := n.rt
	n.mu.RUnlock()

	status := Status{Mode: n.roles.Role().Role}

	n.stateMu.Lock()
	status.LastError = n.lastError
	for _, a := range n.alerts {
		status.Alerts = append(status.Alerts, a.message)
	}
	n.stateMu.Unlock()

	if rt == nil {
		return status
	}
	status.IsRunning = true
	status.Mode = rt.identity.Role
	status.PeerCount = rt.registry.Len()

	if rt.sup == nil {
		return status
	}
	if addr := rt.sup.Addr(); addr != nil {
		status.LocalAddress = addr.String()
	}
	if rt.identity.Role == models.RoleSatellite {
		for _, session := range rt.sup.Sessions() {
			if session.State().Live() {
				status.ConnectedToMaster = true
				status.CurrentMasterID = session.PeerID()
				break
			}
		}
	}
	return status
}

// ListPeers returns the known peers sorted by display name.
func (n *Node) ListPeers() []models.PeerRecord {
	n.mu.RLock()
	rt := n.rt
	n.mu.RUnlock()
	if rt == nil {
		return nil
	}
	return rt.registry.List()
}

// GetStats returns replication counters, traffic and recent errors. Counters
// reset when the runtime restarts; persisted values (lastSyncAt, backlog,
// conflicts) do not.
func (n *Node) GetStats() (Stats, error) {
	n.mu.RLock()
	rt := n.rt
	n.mu.RUnlock()

	var stats Stats
	if rt != nil {
		replicated, err := rt.engine.Stats()
		if err != nil {
			return Stats{}, err
		}
		stats.EventsSent = replicated.EventsSent
		stats.EventsReceived = replicated.EventsReceived
		stats.LastSyncAt = replicated.LastSyncAt
		stats.LogIndex = replicated.LogIndex
		stats.Backlog = replicated.Backlog
		stats.Conflicts = replicated.Conflicts
		if rt.sup != nil {
			stats.BytesSent, stats.BytesReceived = rt.sup.Traffic()
		}
		stats.Uptime = n.uptime(rt)
	} else {
		lastSync, err := n.store.LastSyncAt()
		if err != nil {
			return Stats{}, err
		}
		stats.LastSyncAt = lastSync
		if stats.LogIndex, err = n.store.LastLogIndex(); err != nil {
			return Stats{}, err
		}
		if stats.Backlog, err = n.store.OutboxCount(); err != nil {
			return Stats{}, err
		}
		if stats.Conflicts, err = n.store.CountConflicts(); err != nil {
			return Stats{}, err
		}
	}

	n.stateMu.Lock()
	stats.RecentErrors = append([]ErrorRecord(nil), n.recentErrors...)
	n.stateMu.Unlock()
	return stats, nil
}

func (n *Node) notify(note Notification) {
	if note.At.IsZero() {
		note.At = time.Now()
	}
	select {
	case n.notifications <- note:
	default:
		n.log.Debug("notification dropped", "type", note.Type)
	}
}

func (n *Node) recordError(err error) {
	if err == nil {
		return
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	n.lastError = err.Error()
	n.recentErrors = append(n.recentErrors, ErrorRecord{At: time.Now(), Message: err.Error()})
	if len(n.recentErrors) > maxRecentErrors {
		n.recentErrors = n.recentErrors[len(n.recentErrors)-maxRecentErrors:]
	}
}

// raiseAlert adds an operator alert once per key. It reports whether the
// alert is new.
func (n *Node) raiseAlert(key, message string) bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if _, exists := n.alertKeys[key]; exists {
		return false
	}
	n.alertKeys[key] = struct{}{}
	n.alerts = append(n.alerts, alert{key: key, message: message})
	if len(n.alerts) > maxAlerts {
		for _, dropped := range n.alerts[:len(n.alerts)-maxAlerts] {
			delete(n.alertKeys, dropped.key)
		}
		n.alerts = n.alerts[len(n.alerts)-maxAlerts:]
	}
	return true
}

// clearNetworkAlerts drops alerts tied to the previous network settings.
// Conflict alerts stay until the operator resolves them.
func (n *Node) clearNetworkAlerts() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	kept := n.alerts[:0]
	for _, a := range n.alerts {
		if strings.HasPrefix(a.key, conflictAlertPrefix) {
			kept = append(kept, a)
			continue
		}
		delete(n.alertKeys, a.key)
	}
	n.alerts = kept
}
