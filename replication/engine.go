// Package replication moves ReplicatedEvents between terminals: local
// publish into the event log, serialized exactly-once apply of remote
// events, the Satellite outbox pump and the Master fan-out feeder.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"possync/logger"
	"possync/models"
	"possync/network"
	"possync/storage"
	"possync/supervisor"
)

const (
	// DefaultBatchSize bounds events read from the log or outbox per pass.
	DefaultBatchSize = 100
	// DefaultPollInterval is how often idle senders re-check for work.
	DefaultPollInterval = time.Second

	notificationBuffer = 64
)

var (
	// ErrStopped indicates the engine no longer accepts work.
	ErrStopped = errors.New("replication: engine stopped")
	// ErrUnknownKind indicates a record could not be mapped to an event kind.
	ErrUnknownKind = errors.New("replication: unknown event kind")
)

// NotificationType identifies an engine notification.
type NotificationType string

const (
	NotifyConflictDetected NotificationType = "conflict_detected"
	NotifySyncCompleted    NotificationType = "sync_completed"
)

// Notification is emitted for conflicts and drained backlogs.
type Notification struct {
	Type   NotificationType
	PeerID string
	Event  models.ReplicatedEvent
	Result models.ApplyResult
	At     time.Time
}

// Stats summarizes replication progress.
type Stats struct {
	EventsSent     uint64
	EventsReceived uint64
	LastSyncAt     time.Time
	LogIndex       uint64
	Backlog        int
	Conflicts      int
}

// Options configures an Engine.
type Options struct {
	Identity     models.TerminalIdentity
	Store        *storage.Store
	Logger       *slog.Logger
	BatchSize    int
	PollInterval time.Duration
	Now          func() time.Time
}

type applyRequest struct {
	event models.ReplicatedEvent
	reply chan applyReply
}

type applyReply struct {
	result models.ApplyResult
	err    error
}

// Engine is the Replication Engine. It implements supervisor.Handler.
type Engine struct {
	opts  Options
	log   *slog.Logger
	store *storage.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	applyCh chan applyRequest

	mu       sync.Mutex
	sessions map[*supervisor.Session]struct{}
	stopped  bool

	eventsSent     atomic.Uint64
	eventsReceived atomic.Uint64

	notifications chan Notification

	startOnce sync.Once
	stopOnce  sync.Once
}

var _ supervisor.Handler = (*Engine)(nil)

// New creates an engine. Call Start before feeding it remote events.
func New(options Options) (*Engine, error) {
	if options.Store == nil {
		return nil, errors.New("replication: store is required")
	}
	if options.Identity.TerminalID == "" {
		return nil, errors.New("replication: terminal ID is required")
	}
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	log := options.Logger
	if log == nil {
		log = logger.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:          options,
		log:           log.With("component", "replication"),
		store:         options.Store,
		ctx:           ctx,
		cancel:        cancel,
		applyCh:       make(chan applyRequest),
		sessions:      make(map[*supervisor.Session]struct{}),
		notifications: make(chan Notification, notificationBuffer),
	}, nil
}

// Start launches the applier.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.applier()
	})
}

// Stop halts the applier and every sender and closes Notifications.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		e.cancel()
		e.wg.Wait()
		close(e.notifications)
	})
}

// Notifications delivers conflict and sync notifications. Slow readers miss
// notifications rather than stall replication.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifications
}

// Publish records a locally applied mutation as a ReplicatedEvent and wakes
// the senders. It never waits on the network. An empty kind is inferred from
// the record type.
func (e *Engine) Publish(kind models.EventKind, record any) (models.ReplicatedEvent, error) {
	if kind == "" {
		inferred, ok := kindForRecord(record)
		if !ok {
			return models.ReplicatedEvent{}, fmt.Errorf("%w for %T", ErrUnknownKind, record)
		}
		kind = inferred
	}
	if !kind.Valid() {
		return models.ReplicatedEvent{}, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}

	payload, err := models.EncodePayload(record)
	if err != nil {
		return models.ReplicatedEvent{}, err
	}
	event := models.ReplicatedEvent{
		EventID:          uuid.NewString(),
		OriginTerminalID: e.opts.Identity.TerminalID,
		Kind:             kind,
		Payload:          payload,
		OccurredAt:       e.opts.Now().UTC(),
	}
	if _, err := effectFor(event); err != nil {
		return models.ReplicatedEvent{}, err
	}

	queue := e.opts.Identity.Role == models.RoleSatellite
	if err := e.store.AppendLocalEvent(&event, queue); err != nil {
		return models.ReplicatedEvent{}, fmt.Errorf("record local event: %w", err)
	}

	e.log.Debug("published event", "event", event.Key().String(), "kind", event.Kind, "queued", queue)
	e.SyncNow()
	return event, nil
}

// OnRemoteEvent applies a remote event through the single applier and
// returns its outcome. Events are applied in submission order.
func (e *Engine) OnRemoteEvent(ctx context.Context, event models.ReplicatedEvent) (models.ApplyResult, error) {
	req := applyRequest{event: event, reply: make(chan applyReply, 1)}
	select {
	case e.applyCh <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.ctx.Done():
		return "", ErrStopped
	}

	select {
	case reply := <-req.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.ctx.Done():
		return "", ErrStopped
	}
}

func (e *Engine) applier() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case req := <-e.applyCh:
			result, err := e.apply(req.event)
			req.reply <- applyReply{result: result, err: err}
		}
	}
}

func (e *Engine) apply(event models.ReplicatedEvent) (models.ApplyResult, error) {
	effect, err := effectFor(event)
	if err != nil {
		return "", err
	}
	result, err := e.store.ApplyEvent(event, effect)
	if err != nil {
		return "", err
	}
	if result == models.ApplyConflict {
		e.log.Warn("conflicting event recorded", "event", event.Key().String(), "kind", event.Kind)
	}
	return result, nil
}

// SessionUp starts the sender for a new session.
func (e *Engine) SessionUp(session *supervisor.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.sessions[session] = struct{}{}
	e.wg.Add(1)
	go e.runSender(session)
}

// SessionDown forgets the session. Unacknowledged outbox entries stay queued
// and are resent on the next session.
func (e *Engine) SessionDown(session *supervisor.Session, err error) {
	e.mu.Lock()
	delete(e.sessions, session)
	e.mu.Unlock()
	if pending := len(session.PendingAcks()); pending > 0 {
		e.log.Debug("session ended with unacknowledged events", "peer", session.PeerID(), "pending", pending, logger.Err(err))
	}
}

// HandleMessage dispatches one inbound protocol message.
func (e *Engine) HandleMessage(session *supervisor.Session, msgType string, payload []byte) {
	switch msgType {
	case network.TypeEvent:
		e.handleEvent(session, payload)
	case network.TypeAck:
		e.handleAck(session, payload)
	case network.TypeError:
		e.handleError(session, payload)
	default:
		e.log.Debug("ignoring message", "peer", session.PeerID(), "type", msgType)
	}
}

func (e *Engine) handleEvent(session *supervisor.Session, payload []byte) {
	if session.Aborted() {
		return
	}
	msg, err := network.DecodeEvent(payload)
	if err != nil {
		e.log.Debug("dropping malformed event", "peer", session.PeerID(), logger.Err(err))
		return
	}
	event := msg.Event
	isMaster := e.opts.Identity.Role == models.RoleMaster

	// A Satellite only ever ships its own events.
	if isMaster && event.OriginTerminalID != session.PeerID() {
		e.log.Warn("rejecting relayed event from satellite", "peer", session.PeerID(), "origin", event.OriginTerminalID)
		_ = session.Send(network.ErrorMessage{
			Type:      network.TypeError,
			Code:      network.CodeOriginMismatch,
			Message:   fmt.Sprintf("event %s does not originate at %s", event.Key(), session.PeerID()),
			Timestamp: e.opts.Now().UnixMilli(),
		})
		return
	}

	result, err := e.OnRemoteEvent(e.ctx, event)
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return
		}
		e.log.Error("apply remote event failed", "peer", session.PeerID(), "event", event.Key().String(), logger.Err(err))
		e.rejectEvent(session, event, err)
		return
	}
	e.eventsReceived.Add(1)

	now := e.opts.Now()
	if isMaster {
		if result == models.ApplyApplied {
			e.SyncNow()
		}
		e.touchCursor(session.PeerID(), 0, now)
	} else {
		e.touchCursor(session.PeerID(), event.LogIndex, now)
	}

	if err := session.Send(network.NewAckMessage(event, result)); err != nil {
		e.log.Debug("ack not sent", "peer", session.PeerID(), "event", event.Key().String(), logger.Err(err))
	}
	if result == models.ApplyConflict {
		e.notify(Notification{Type: NotifyConflictDetected, PeerID: session.PeerID(), Event: event, Result: result, At: now})
	}
}

// rejectEvent handles an event that could not be applied. The Master tells
// the Satellite to keep it queued. A Satellite drops the session instead:
// the Master streams its log in order, so nothing after the failed event may
// move the cursor, and the next session resumes from the event that failed.
func (e *Engine) rejectEvent(session *supervisor.Session, event models.ReplicatedEvent, err error) {
	if e.opts.Identity.Role == models.RoleMaster {
		if sendErr := session.Send(network.ErrorMessage{
			Type:      network.TypeError,
			Code:      network.CodeApplyFailed,
			Message:   err.Error(),
			EventID:   event.EventID,
			Timestamp: e.opts.Now().UnixMilli(),
		}); sendErr != nil {
			e.log.Debug("apply failure not reported", "peer", session.PeerID(), logger.Err(sendErr))
		}
		return
	}
	session.Abort(fmt.Errorf("apply %s from %s: %w", event.Key(), session.PeerID(), err))
}

func (e *Engine) handleError(session *supervisor.Session, payload []byte) {
	msg, err := network.DecodeError(payload)
	if err != nil {
		e.log.Debug("dropping malformed error message", "peer", session.PeerID(), logger.Err(err))
		return
	}
	e.log.Warn("peer reported error", "peer", session.PeerID(), "code", msg.Code, "message", msg.Message, "event_id", msg.EventID)

	// The outbox entry stays. Releasing it from the in-flight set lets the
	// next pump resend it.
	if msg.Code == network.CodeApplyFailed && msg.EventID != "" {
		session.Ack(msg.EventID)
	}
}

func (e *Engine) handleAck(session *supervisor.Session, payload []byte) {
	ack, err := network.DecodeAck(payload)
	if err != nil {
		e.log.Debug("dropping malformed ack", "peer", session.PeerID(), logger.Err(err))
		return
	}
	session.Ack(ack.EventID)

	now := e.opts.Now()
	e.touchCursor(session.PeerID(), 0, now)

	drained := len(session.PendingAcks()) == 0
	if e.opts.Identity.Role == models.RoleSatellite {
		if _, err := e.store.AckOutbox(ack.EventID); err != nil {
			e.log.Error("remove acknowledged outbox entry failed", "event", ack.EventID, logger.Err(err))
			return
		}
		if drained {
			count, err := e.store.OutboxCount()
			drained = err == nil && count == 0
		}
	}

	event := models.ReplicatedEvent{EventID: ack.EventID, OriginTerminalID: ack.OriginTerminalID, SequenceNo: ack.SequenceNo}
	if ack.Result == models.ApplyConflict {
		e.log.Warn("peer recorded conflict", "peer", session.PeerID(), "event", event.Key().String())
		e.notify(Notification{Type: NotifyConflictDetected, PeerID: session.PeerID(), Event: event, Result: ack.Result, At: now})
	}
	if drained {
		e.notify(Notification{Type: NotifySyncCompleted, PeerID: session.PeerID(), At: now})
	}
	session.Kick()
}

func (e *Engine) touchCursor(peerID string, logIndex uint64, at time.Time) {
	if err := e.store.AdvanceSyncCursor(peerID, logIndex, at); err != nil {
		e.log.Error("advance sync cursor failed", "peer", peerID, logger.Err(err))
	}
}

// runSender pushes work to one session until it ends. A Master streams its
// log after the satellite's resume point; a Satellite drains its outbox.
func (e *Engine) runSender(session *supervisor.Session) {
	defer e.wg.Done()

	cursor := session.Peer().ResumeFrom
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		if session.State() != models.StateDegraded {
			var err error
			if e.opts.Identity.Role == models.RoleMaster {
				cursor, err = e.feed(session, cursor)
			} else {
				err = e.pump(session)
			}
			if err != nil {
				e.log.Debug("sender stopped", "peer", session.PeerID(), logger.Err(err))
				return
			}
		}

		select {
		case <-e.ctx.Done():
			return
		case <-session.Done():
			return
		case <-session.Kicks():
		case <-ticker.C:
		}
	}
}

// feed sends applied log entries after cursor, excluding the peer's own
// events, and returns the new cursor.
func (e *Engine) feed(session *supervisor.Session, cursor uint64) (uint64, error) {
	for {
		events, err := e.store.EventsAfter(cursor, session.PeerID(), e.opts.BatchSize)
		if err != nil {
			e.log.Error("read event log failed", logger.Err(err))
			return cursor, nil
		}
		for _, event := range events {
			session.AddPending(event.EventID)
			if err := session.Send(network.NewEventMessage(event)); err != nil {
				return cursor, err
			}
			e.eventsSent.Add(1)
			cursor = event.LogIndex
		}
		if len(events) < e.opts.BatchSize {
			return cursor, nil
		}
	}
}

// pump sends outbox entries not already in flight on this session.
func (e *Engine) pump(session *supervisor.Session) error {
	entries, err := e.store.PendingOutbox(e.opts.BatchSize)
	if err != nil {
		e.log.Error("read outbox failed", logger.Err(err))
		return nil
	}
	for _, entry := range entries {
		if !session.AddPending(entry.Event.EventID) {
			continue
		}
		if err := session.Send(network.NewEventMessage(entry.Event)); err != nil {
			session.Ack(entry.Event.EventID)
			return err
		}
		e.eventsSent.Add(1)
		if err := e.store.MarkOutboxAttempt(entry.Event.EventID); err != nil {
			e.log.Error("mark outbox attempt failed", "event", entry.Event.EventID, logger.Err(err))
		}
	}
	return nil
}

func (e *Engine) notify(n Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	select {
	case e.notifications <- n:
	default:
		e.log.Debug("notification dropped", "type", n.Type)
	}
}

// Stats reports counters and persisted sync state. Backlog is the outbox on
// a Satellite and the unacknowledged fan-out on a Master.
func (e *Engine) Stats() (Stats, error) {
	stats := Stats{
		EventsSent:     e.eventsSent.Load(),
		EventsReceived: e.eventsReceived.Load(),
	}

	lastSync, err := e.store.LastSyncAt()
	if err != nil {
		return Stats{}, err
	}
	stats.LastSyncAt = lastSync

	if stats.LogIndex, err = e.store.LastLogIndex(); err != nil {
		return Stats{}, err
	}

	if e.opts.Identity.Role == models.RoleMaster {
		e.mu.Lock()
		for session := range e.sessions {
			stats.Backlog += len(session.PendingAcks())
		}
		e.mu.Unlock()
	} else {
		backlog, err := e.store.OutboxCount()
		if err != nil {
			return Stats{}, err
		}
		stats.Backlog = backlog
	}

	conflicts, err := e.store.CountConflicts()
	if err != nil {
		return Stats{}, err
	}
	stats.Conflicts = conflicts
	return stats, nil
}

// SyncNow wakes the sender of every live session. It reports how many were
// woken.
func (e *Engine) SyncNow() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for session := range e.sessions {
		session.Kick()
	}
	return len(e.sessions)
}

// Conflicts returns the most recent recorded conflicts.
func (e *Engine) Conflicts(limit int) ([]models.Conflict, error) {
	return e.store.ListConflicts(limit)
}

// ResumeFrom returns the last log index of masterID this terminal applied.
// A Satellite presents it in the handshake so the Master resumes after it.
func (e *Engine) ResumeFrom(masterID string) uint64 {
	cursor, err := e.store.SyncCursor(masterID)
	if err != nil {
		e.log.Error("read sync cursor failed", "peer", masterID, logger.Err(err))
		return 0
	}
	return cursor.LastLogIndex
}
