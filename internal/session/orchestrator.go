package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hostforge/controlplane/internal/allocator"
	"github.com/hostforge/controlplane/internal/broadcast"
	"github.com/hostforge/controlplane/internal/metrics"
	"github.com/hostforge/controlplane/internal/registry"
)

var (
	ErrSessionNotFound   = errors.New("session: not found")
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrSessionFull       = errors.New("session: no open slot")
	ErrAlreadyInSession  = errors.New("session: player already seated")
	ErrNotSeated         = errors.New("session: player not seated")
	ErrNoPlayers         = errors.New("session: no players seated")
	ErrWrongNode         = errors.New("session: ack from a node this session is not bound to")
	ErrSessionAborted    = errors.New("session: aborted")
	ErrInvalidSlotCount  = errors.New("session: slot count out of range")
)

const maxSlots = 32

// EventPayload is the payload carried by every session event. The session
// snapshot fully determines the latest state; the other fields describe the
// delta that produced it.
type EventPayload struct {
	Session *Session `json:"session"`
	Player  string   `json:"player,omitempty"`
	Slot    int      `json:"slot,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// Config holds the orchestrator's tunables. Zero values select defaults.
type Config struct {
	// AllocRetryBudget is how many times a failed allocation round is
	// retried (with backoff) before failure surfaces to the caller.
	AllocRetryBudget int
	AllocBackoffMin  time.Duration
	AllocBackoffMax  time.Duration
	// Retention is how long a terminal session stays readable in memory.
	Retention     time.Duration
	SweepInterval time.Duration
	// IdleTimeout aborts a lobby that sits in Created or WaitingForPlayers
	// with no mutation for this long. Later states are never idled out.
	IdleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.AllocRetryBudget <= 0 {
		c.AllocRetryBudget = 2
	}
	if c.AllocBackoffMin <= 0 {
		c.AllocBackoffMin = 100 * time.Millisecond
	}
	if c.AllocBackoffMax <= 0 {
		c.AllocBackoffMax = 2 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
}

// entry pairs one session with the lock that serializes its transitions and
// the reservation token it holds while bound. published is the snapshot of
// the last mutation, readable without the entry lock (used for replay).
type entry struct {
	mu           sync.Mutex
	s            *Session
	token        *registry.ReservationToken
	lastActivity time.Time
	published    atomic.Pointer[Session]
}

// Orchestrator owns the session state machine. Transitions on one session
// are serialized by that session's lock; different sessions proceed fully
// in parallel. The outer RWMutex guards map membership only.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	seated   map[string]string // player -> session id

	reg      *registry.Registry
	alloc    *allocator.Allocator
	events   *broadcast.Broadcaster
	recorder Recorder
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

func NewOrchestrator(reg *registry.Registry, alloc *allocator.Allocator, events *broadcast.Broadcaster, recorder Recorder, m *metrics.Metrics, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		sessions: make(map[string]*entry),
		seated:   make(map[string]string),
		reg:      reg,
		alloc:    alloc,
		events:   events,
		recorder: recorder,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Create assigns a unique id and records the session in Created state. The
// lobby becomes joinable through OpenForJoin.
func (o *Orchestrator) Create(creator string, slots int, tags []string) (*Session, error) {
	if slots < 1 || slots > maxSlots {
		return nil, ErrInvalidSlotCount
	}
	s := &Session{
		ID:        ulid.Make().String(),
		Creator:   creator,
		State:     Created,
		Slots:     make([]Slot, slots),
		Tags:      append([]string(nil), tags...),
		CreatedAt: o.now(),
	}
	e := &entry{s: s, lastActivity: s.CreatedAt}
	e.published.Store(s.Clone())

	o.mu.Lock()
	o.sessions[s.ID] = e
	o.mu.Unlock()

	o.metrics.SessionCreated()
	return s.Clone(), nil
}

// OpenForJoin transitions Created -> WaitingForPlayers and announces the
// lobby on its event stream.
func (o *Orchestrator) OpenForJoin(id string) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != Created {
		return nil, ErrInvalidTransition
	}
	e.s.State = WaitingForPlayers
	o.publishLocked(e, broadcast.EventSessionCreated, EventPayload{})
	return e.s.Clone(), nil
}

// Join seats a player in the first open slot. A player may occupy at most
// one slot in one session at a time.
func (o *Orchestrator) Join(id, player string) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != WaitingForPlayers {
		return nil, ErrInvalidTransition
	}
	if e.s.SeatOf(player) >= 0 {
		return nil, ErrAlreadyInSession
	}
	slot := e.s.openSlot()
	if slot < 0 {
		return nil, ErrSessionFull
	}

	o.mu.Lock()
	if other, ok := o.seated[player]; ok && other != id {
		o.mu.Unlock()
		return nil, ErrAlreadyInSession
	}
	o.seated[player] = id
	o.mu.Unlock()

	e.s.Slots[slot] = Slot{Player: player}
	o.publishLocked(e, broadcast.EventPlayerJoined, EventPayload{Player: player, Slot: slot})
	return e.s.Clone(), nil
}

// Leave clears the player's slot. Leaving a session the player is not
// seated in is a no-op, not an error.
func (o *Orchestrator) Leave(id, player string) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != WaitingForPlayers {
		return nil, ErrInvalidTransition
	}
	slot := e.s.SeatOf(player)
	if slot < 0 {
		return e.s.Clone(), nil
	}

	e.s.Slots[slot] = Slot{}
	o.mu.Lock()
	delete(o.seated, player)
	o.mu.Unlock()

	o.publishLocked(e, broadcast.EventPlayerLeft, EventPayload{Player: player, Slot: slot})
	return e.s.Clone(), nil
}

// UpdateSlotSettings lets a seated player change their slot's team, color
// or ready flag while the lobby is still open.
func (o *Orchestrator) UpdateSlotSettings(id, player string, settings SlotSettings) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != WaitingForPlayers {
		return nil, ErrInvalidTransition
	}
	slot := e.s.SeatOf(player)
	if slot < 0 {
		return nil, ErrNotSeated
	}

	e.s.Slots[slot].Settings = settings
	o.publishLocked(e, broadcast.EventSlotUpdated, EventPayload{Player: player, Slot: slot})
	return e.s.Clone(), nil
}

// RequestStart moves the session into Allocating and runs the allocation
// loop: each failed round is retried with exponential backoff up to the
// retry budget. On success the session binds to the reserved node; on
// exhaustion it returns to WaitingForPlayers and the failure surfaces to
// the caller. A context cancelled after a token was issued still releases
// that token.
func (o *Orchestrator) RequestStart(ctx context.Context, id, requester string) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.s.State != WaitingForPlayers {
		e.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	if e.s.SeatedCount() < 1 {
		e.mu.Unlock()
		return nil, ErrNoPlayers
	}
	tags := append([]string(nil), e.s.Tags...)
	e.s.State = Allocating
	o.publishLocked(e, broadcast.EventAllocating, EventPayload{Player: requester})
	e.mu.Unlock()

	backoff := o.cfg.AllocBackoffMin
	for attempt := 0; attempt <= o.cfg.AllocRetryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				o.failAllocation(e, "cancelled")
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > o.cfg.AllocBackoffMax {
				backoff = o.cfg.AllocBackoffMax
			}
		}

		o.metrics.AllocationAttempt()
		tok, err := o.alloc.Allocate(allocator.Requirements{Tags: tags})
		if err != nil {
			if errors.Is(err, allocator.ErrCapacityUnavailable) {
				continue
			}
			o.metrics.AllocationFailure()
			o.failAllocation(e, err.Error())
			return nil, err
		}

		e.mu.Lock()
		if e.s.State != Allocating {
			// Aborted while the reservation was in flight; the token must
			// not leak capacity.
			e.mu.Unlock()
			if rerr := o.reg.Release(tok); rerr != nil && !errors.Is(rerr, registry.ErrStaleToken) {
				log.Printf("session %s: releasing orphaned token: %v", id, rerr)
			}
			return nil, ErrSessionAborted
		}
		if !o.reg.Outstanding(tok) {
			// The reserved node was evicted before the bind could commit;
			// eviction cleanup already consumed the token. Checking under
			// the session lock means a node-loss scan that already passed
			// this session cannot race the bind below. Try another round.
			e.mu.Unlock()
			continue
		}
		t := tok
		e.token = &t
		e.s.NodeID = tok.NodeID
		e.s.State = Bound
		o.publishLocked(e, broadcast.EventSessionBound, EventPayload{})
		o.publishNode(tok.NodeID, broadcast.EventSessionBound, e.s.Clone())
		clone := e.s.Clone()
		e.mu.Unlock()

		o.metrics.AllocationSuccess()
		return clone, nil
	}

	o.metrics.AllocationFailure()
	o.failAllocation(e, "no capacity")
	return nil, allocator.ErrCapacityUnavailable
}

// failAllocation returns an Allocating session to WaitingForPlayers. A
// session aborted in the meantime is left alone.
func (o *Orchestrator) failAllocation(e *entry, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State != Allocating {
		return
	}
	e.s.State = WaitingForPlayers
	o.publishLocked(e, broadcast.EventAllocationFailed, EventPayload{Reason: reason})
}

// NodeReady records the bound node's ack: Bound -> Starting.
func (o *Orchestrator) NodeReady(id, nodeID string) (*Session, error) {
	return o.nodeTransition(id, nodeID, Bound, Starting, broadcast.EventSessionStarting)
}

// GameStarted records the bound node's start report: Starting -> Running.
func (o *Orchestrator) GameStarted(id, nodeID string) (*Session, error) {
	return o.nodeTransition(id, nodeID, Starting, Running, broadcast.EventSessionRunning)
}

func (o *Orchestrator) nodeTransition(id, nodeID string, from, to State, evType broadcast.EventType) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != from {
		return nil, ErrInvalidTransition
	}
	if e.s.NodeID != nodeID {
		return nil, ErrWrongNode
	}
	e.s.State = to
	o.publishLocked(e, evType, EventPayload{})
	return e.s.Clone(), nil
}

// GameEnded records the bound node's end report: Running -> Ended. The
// reservation is released and the terminal outcome handed to the recorder.
func (o *Orchestrator) GameEnded(id, nodeID string) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != Running {
		return nil, ErrInvalidTransition
	}
	if e.s.NodeID != nodeID {
		return nil, ErrWrongNode
	}
	o.finishLocked(e, Ended, "", broadcast.EventSessionEnded)
	o.metrics.SessionEnded()
	return e.s.Clone(), nil
}

// Abort force-terminates a session from any non-terminal state, releasing
// its reservation if one is held.
func (o *Orchestrator) Abort(id, reason string) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	o.finishLocked(e, Aborted, reason, broadcast.EventSessionAborted)
	o.metrics.SessionAborted()
	return e.s.Clone(), nil
}

// HandleNodeLoss aborts every session bound to an evicted node. The node's
// reservations were already consumed by eviction cleanup, so the release
// inside the abort is a no-op for them. The registry entry is removed once
// all affected sessions are terminated.
func (o *Orchestrator) HandleNodeLoss(nodeID string, _ []registry.ReservationToken) {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.s.State.IsTerminal() && e.s.NodeID == nodeID {
			log.Printf("session %s: bound node %s lost, aborting", e.s.ID, nodeID)
			o.finishLocked(e, Aborted, "node_lost", broadcast.EventSessionAborted)
			o.metrics.SessionAborted()
		}
		e.mu.Unlock()
	}

	o.reg.Remove(nodeID)
}

// finishLocked performs the shared terminal bookkeeping: token release,
// seat cleanup, terminal record, event publication. Caller holds e.mu.
func (o *Orchestrator) finishLocked(e *entry, state State, reason string, evType broadcast.EventType) {
	if e.token != nil {
		if err := o.reg.Release(*e.token); err != nil && !errors.Is(err, registry.ErrStaleToken) {
			log.Printf("session %s: release failed: %v", e.s.ID, err)
		}
		e.token = nil
	}

	o.mu.Lock()
	for i := range e.s.Slots {
		if p := e.s.Slots[i].Player; p != "" && o.seated[p] == e.s.ID {
			delete(o.seated, p)
		}
	}
	o.mu.Unlock()

	now := o.now()
	e.s.State = state
	e.s.EndedAt = &now
	o.publishLocked(e, evType, EventPayload{Reason: reason})
	if e.s.NodeID != "" {
		o.publishNode(e.s.NodeID, evType, e.s.Clone())
	}

	if o.recorder != nil {
		o.recorder.Record(TerminalRecord{
			SessionID: e.s.ID,
			Creator:   e.s.Creator,
			State:     state,
			NodeID:    e.s.NodeID,
			Reason:    reason,
			Slots:     append([]Slot(nil), e.s.Slots...),
			Version:   e.s.Version,
			CreatedAt: e.s.CreatedAt,
			EndedAt:   now,
		})
	}
}

// Get returns a copy of one session.
func (o *Orchestrator) Get(id string) (*Session, error) {
	e, err := o.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// List returns copies of all retained sessions, oldest first.
func (o *Orchestrator) List() []*Session {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot is the broadcaster's replay hook: it answers the current state
// of a session target without taking the transition lock.
func (o *Orchestrator) Snapshot(target string) (any, uint64, bool) {
	const prefix = "session:"
	if len(target) <= len(prefix) || target[:len(prefix)] != prefix {
		return nil, 0, false
	}
	e, err := o.entry(target[len(prefix):])
	if err != nil {
		return nil, 0, false
	}
	s := e.published.Load()
	if s == nil {
		return nil, 0, false
	}
	return EventPayload{Session: s}, s.Version, true
}

// Run sweeps on a fixed interval: lobbies idle past the timeout are
// aborted, and terminal sessions that have outlived the retention window
// are dropped from memory. It blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(o.now())
		}
	}
}

func (o *Orchestrator) sweep(now time.Time) {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if (e.s.State == Created || e.s.State == WaitingForPlayers) && now.Sub(e.lastActivity) > o.cfg.IdleTimeout {
			log.Printf("session %s: idle for %s, aborting", e.s.ID, now.Sub(e.lastActivity).Round(time.Second))
			o.finishLocked(e, Aborted, "idle_timeout", broadcast.EventSessionAborted)
			o.metrics.SessionAborted()
		}
		expired := e.s.State.IsTerminal() && e.s.EndedAt != nil && now.Sub(*e.s.EndedAt) > o.cfg.Retention
		id := e.s.ID
		e.mu.Unlock()
		if !expired {
			continue
		}
		o.mu.Lock()
		delete(o.sessions, id)
		o.mu.Unlock()
		if o.events != nil {
			o.events.DropTarget(broadcast.SessionTarget(id))
		}
	}
}

// publishLocked bumps the version, stores the published snapshot, and emits
// the event carrying it. Caller holds e.mu; the version and event leave
// together, so a reader observing version N sees exactly N mutations.
func (o *Orchestrator) publishLocked(e *entry, evType broadcast.EventType, payload EventPayload) {
	e.s.Version++
	e.lastActivity = o.now()
	snap := e.s.Clone()
	e.published.Store(snap)
	if o.events == nil {
		return
	}
	payload.Session = snap
	o.events.Publish(broadcast.SessionTarget(e.s.ID), broadcast.Event{
		Type:    evType,
		Version: snap.Version,
		Payload: payload,
	})
}

func (o *Orchestrator) publishNode(nodeID string, evType broadcast.EventType, s *Session) {
	if o.events == nil {
		return
	}
	o.events.Publish(broadcast.NodeTarget(nodeID), broadcast.Event{
		Type:    evType,
		Payload: EventPayload{Session: s},
	})
}

func (o *Orchestrator) entry(id string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}
