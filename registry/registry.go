// Package registry keeps the in-memory table of known peer terminals.
//
// All mutations are executed by a single owner goroutine; readers take a
// snapshot under a read lock.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"possync/logger"
	"possync/models"
)

const (
	// DefaultEvictionInterval is how often stale peers are swept.
	DefaultEvictionInterval = 10 * time.Second
	// DefaultSilenceTimeout is how long a peer may stay silent before eviction.
	DefaultSilenceTimeout = 30 * time.Second
)

// ErrStopped is returned by writes issued after Stop.
var ErrStopped = errors.New("registry: stopped")

// EventType identifies registry notifications.
type EventType string

const (
	EventPeerDiscovered EventType = "peer_discovered"
	EventPeerUpdated    EventType = "peer_updated"
	EventPeerLost       EventType = "peer_lost"
)

// Event is emitted for registry membership changes.
type Event struct {
	Type EventType
	Peer models.PeerRecord
}

// Options configures a Registry.
type Options struct {
	EvictionInterval time.Duration
	SilenceTimeout   time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// Registry is the Peer Registry.
type Registry struct {
	evictionInterval time.Duration
	silenceTimeout   time.Duration
	log              *slog.Logger
	now              func() time.Time

	mu    sync.RWMutex
	peers map[string]models.PeerRecord

	ops    chan func()
	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a registry. Call Start before issuing writes.
func New(options Options) *Registry {
	if options.EvictionInterval <= 0 {
		options.EvictionInterval = DefaultEvictionInterval
	}
	if options.SilenceTimeout <= 0 {
		options.SilenceTimeout = DefaultSilenceTimeout
	}
	if options.Logger == nil {
		options.Logger = logger.Discard()
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Registry{
		evictionInterval: options.EvictionInterval,
		silenceTimeout:   options.SilenceTimeout,
		log:              options.Logger.With("component", "registry"),
		now:              options.Now,
		peers:            make(map[string]models.PeerRecord),
		ops:              make(chan func()),
		events:           make(chan Event, 128),
		stop:             make(chan struct{}),
	}
}

// Start launches the owner goroutine and the eviction tick.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

// Stop halts the owner goroutine and closes the event channel.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
		close(r.events)
	})
}

// Events returns membership notifications.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case op := <-r.ops:
			op()
		case <-ticker.C:
			r.evict(r.now())
		case <-r.stop:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.ops <- func() {
		defer close(done)
		fn()
	}:
	case <-r.stop:
		return ErrStopped
	}
	<-done
	return nil
}

// Upsert inserts a peer or refreshes its descriptive fields. Connection
// state and last error are kept unless the incoming record sets them.
func (r *Registry) Upsert(record models.PeerRecord) error {
	if record.TerminalID == "" {
		return errors.New("registry: terminal ID is required")
	}
	return r.do(func() {
		now := r.now()
		if record.LastSeenAt.IsZero() {
			record.LastSeenAt = now
		}

		r.mu.Lock()
		existing, exists := r.peers[record.TerminalID]
		if exists {
			if record.DisplayName == "" {
				record.DisplayName = existing.DisplayName
			}
			if record.Address == "" {
				record.Address = existing.Address
			}
			if record.Role == "" {
				record.Role = existing.Role
			}
			if record.Source == "" || existing.Source == models.PeerSourceManual {
				record.Source = existing.Source
			}
			if record.ConnectionState == "" {
				record.ConnectionState = existing.ConnectionState
				record.LastError = existing.LastError
			}
		}
		if record.ConnectionState == "" {
			record.ConnectionState = models.StateDisconnected
		}
		r.peers[record.TerminalID] = record
		r.mu.Unlock()

		if !exists {
			r.log.Debug("peer discovered", "terminal_id", record.TerminalID, "address", record.Address, "source", record.Source)
			r.emit(Event{Type: EventPeerDiscovered, Peer: record})
		} else if descriptorChanged(existing, record) {
			r.emit(Event{Type: EventPeerUpdated, Peer: record})
		}
	})
}

// MarkSeen refreshes a peer's lastSeenAt. It reports false for unknown peers.
func (r *Registry) MarkSeen(terminalID string) bool {
	found := false
	_ = r.do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		record, ok := r.peers[terminalID]
		if !ok {
			return
		}
		record.LastSeenAt = r.now()
		r.peers[terminalID] = record
		found = true
	})
	return found
}

// SetState records the connection state and last error for a peer.
func (r *Registry) SetState(terminalID string, state models.ConnectionState, lastError string) bool {
	found := false
	_ = r.do(func() {
		r.mu.Lock()
		record, ok := r.peers[terminalID]
		if !ok {
			r.mu.Unlock()
			return
		}
		changed := record.ConnectionState != state || record.LastError != lastError
		record.ConnectionState = state
		record.LastError = lastError
		if state.Live() {
			record.LastSeenAt = r.now()
		}
		r.peers[terminalID] = record
		r.mu.Unlock()

		found = true
		if changed {
			r.emit(Event{Type: EventPeerUpdated, Peer: record})
		}
	})
	return found
}

// Remove deletes a peer and emits PeerLost.
func (r *Registry) Remove(terminalID string) bool {
	found := false
	_ = r.do(func() {
		r.mu.Lock()
		record, ok := r.peers[terminalID]
		if ok {
			delete(r.peers, terminalID)
		}
		r.mu.Unlock()

		if ok {
			found = true
			r.emit(Event{Type: EventPeerLost, Peer: record})
		}
	})
	return found
}

// EvictStale removes every peer without a live session whose last sighting
// is at least the silence timeout before now. It returns the evicted records.
func (r *Registry) EvictStale(now time.Time) []models.PeerRecord {
	var evicted []models.PeerRecord
	_ = r.do(func() {
		evicted = r.evict(now)
	})
	return evicted
}

func (r *Registry) evict(now time.Time) []models.PeerRecord {
	var evicted []models.PeerRecord

	r.mu.Lock()
	for id, record := range r.peers {
		if record.ConnectionState.Live() {
			continue
		}
		if now.Sub(record.LastSeenAt) < r.silenceTimeout {
			continue
		}
		delete(r.peers, id)
		evicted = append(evicted, record)
	}
	r.mu.Unlock()

	for _, record := range evicted {
		r.log.Info("peer lost", "terminal_id", record.TerminalID, "last_seen_at", record.LastSeenAt)
		r.emit(Event{Type: EventPeerLost, Peer: record})
	}
	return evicted
}

// Get returns one peer.
func (r *Registry) Get(terminalID string) (models.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.peers[terminalID]
	return record, ok
}

// List returns a snapshot of all peers sorted by display name.
func (r *Registry) List() []models.PeerRecord {
	r.mu.RLock()
	out := make([]models.PeerRecord, 0, len(r.peers))
	for _, record := range r.peers {
		out = append(out, record)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].TerminalID < out[j].TerminalID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}

func descriptorChanged(a, b models.PeerRecord) bool {
	return a.DisplayName != b.DisplayName ||
		a.Address != b.Address ||
		a.Role != b.Role
}
