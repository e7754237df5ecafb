package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrDuplicateActiveNode = errors.New("registry: active node with this identity already exists")
	ErrUnknownNode         = errors.New("registry: unknown or evicted node")
	ErrNodeNotFound        = errors.New("registry: node not found")
	ErrCapacityExceeded    = errors.New("registry: capacity exceeded")
	ErrStaleToken          = errors.New("registry: stale reservation token")
	ErrInvalidAmount       = errors.New("registry: reservation amount must be positive")
)

// ReservationToken is the unit of capacity held against a node. A token is
// consumed exactly once: by Release, or by eviction cleanup.
type ReservationToken struct {
	ID     string
	NodeID string
	Amount int
}

// node pairs one registry entry with its own lock so that reserve/release
// on different nodes never contend with each other.
type node struct {
	mu    sync.Mutex
	state NodeState
}

// Registry is the authoritative table of known hosting nodes. The outer
// RWMutex guards map membership only; per-node counters are guarded by the
// node's own mutex so a snapshot can be stale without corrupting invariants.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*node
	tokens map[string]ReservationToken // outstanding (unconsumed) tokens
	now    func() time.Time
}

func New() *Registry {
	return &Registry{
		nodes:  make(map[string]*node),
		tokens: make(map[string]ReservationToken),
		now:    time.Now,
	}
}

// Register admits a new node, or re-admits a reconnecting one whose previous
// registration went Offline. An Online or Suspect entry with the same
// identity rejects the attempt.
func (r *Registry) Register(d Descriptor) (string, error) {
	id := d.ID
	if id == "" {
		id = ulid.Make().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[id]; ok {
		existing.mu.Lock()
		live := existing.state.Liveness != Offline
		existing.mu.Unlock()
		if live {
			return "", ErrDuplicateActiveNode
		}
	}

	now := r.now()
	r.nodes[id] = &node{state: NodeState{
		ID:            id,
		Addr:          d.Addr,
		Capacity:      d.Capacity,
		Liveness:      Online,
		Tags:          append([]string(nil), d.Tags...),
		Version:       d.Version,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}}
	return id, nil
}

// Heartbeat records a liveness signal and the node's self-reported load.
// A heartbeat while Suspect restores the node to Online. Heartbeats from
// evicted (Offline) registrations are rejected; the node must re-register.
func (r *Registry) Heartbeat(id string, load LoadSnapshot) error {
	n, ok := r.lookup(id)
	if !ok {
		return ErrUnknownNode
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Liveness == Offline {
		return ErrUnknownNode
	}
	n.state.LastHeartbeat = r.now()
	n.state.Load = load
	if n.state.Liveness == Suspect {
		n.state.Liveness = Online
	}
	return nil
}

// TryReserve atomically increments the node's reserved count if the result
// stays within capacity, returning the token that must later be released.
func (r *Registry) TryReserve(id string, amount int) (ReservationToken, error) {
	if amount < 1 {
		return ReservationToken{}, ErrInvalidAmount
	}
	n, ok := r.lookup(id)
	if !ok {
		return ReservationToken{}, ErrNodeNotFound
	}

	n.mu.Lock()
	if n.state.Liveness == Offline {
		n.mu.Unlock()
		return ReservationToken{}, ErrUnknownNode
	}
	if n.state.Reserved+amount > n.state.Capacity {
		n.mu.Unlock()
		return ReservationToken{}, ErrCapacityExceeded
	}
	n.state.Reserved += amount
	n.mu.Unlock()

	tok := ReservationToken{
		ID:     ulid.Make().String(),
		NodeID: id,
		Amount: amount,
	}
	r.mu.Lock()
	r.tokens[tok.ID] = tok
	r.mu.Unlock()

	// An eviction sweep can run between the increment above and the insert.
	// Evict flips the node Offline before it sweeps, so Online here means
	// the sweep ran late enough to collect this token; Offline means the
	// sweep may have missed it, and it is consumed here instead.
	n.mu.Lock()
	offline := n.state.Liveness == Offline
	n.mu.Unlock()
	if offline {
		r.mu.Lock()
		delete(r.tokens, tok.ID)
		r.mu.Unlock()
		return ReservationToken{}, ErrUnknownNode
	}
	return tok, nil
}

// Release consumes a token and returns its amount to the node. A token that
// was already consumed (by a prior Release or by eviction cleanup) fails
// with ErrStaleToken and leaves the reserved count unchanged.
func (r *Registry) Release(tok ReservationToken) error {
	r.mu.Lock()
	outstanding, ok := r.tokens[tok.ID]
	if ok {
		delete(r.tokens, tok.ID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrStaleToken
	}

	if n, found := r.lookup(outstanding.NodeID); found {
		n.mu.Lock()
		n.state.Reserved -= outstanding.Amount
		if n.state.Reserved < 0 {
			n.state.Reserved = 0
		}
		n.mu.Unlock()
	}
	return nil
}

// Outstanding reports whether a token has not yet been consumed by Release
// or eviction cleanup. Callers binding state to a reservation check this
// inside their own critical section to avoid acting on a swept token.
func (r *Registry) Outstanding(tok ReservationToken) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tokens[tok.ID]
	return ok
}

// MarkSuspect degrades an Online node to Suspect. Called by the health
// monitor on a missed heartbeat deadline; no-op for any other state.
func (r *Registry) MarkSuspect(id string) error {
	n, ok := r.lookup(id)
	if !ok {
		return ErrNodeNotFound
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Liveness == Online {
		n.state.Liveness = Suspect
	}
	return nil
}

// Evict marks a node Offline, consumes every outstanding token held against
// it, and returns those tokens so the caller can force-terminate the
// sessions that held them. Offline is terminal for the registration.
// The node goes Offline before the token sweep: a racing TryReserve either
// observes Offline and consumes its own token, or inserted its token early
// enough for the sweep to collect it. Either way no token survives unseen.
func (r *Registry) Evict(id string) ([]ReservationToken, error) {
	n, ok := r.lookup(id)
	if !ok {
		return nil, ErrNodeNotFound
	}

	n.mu.Lock()
	n.state.Liveness = Offline
	n.state.Reserved = 0
	n.mu.Unlock()

	r.mu.Lock()
	var evicted []ReservationToken
	for tokID, tok := range r.tokens {
		if tok.NodeID == id {
			evicted = append(evicted, tok)
			delete(r.tokens, tokID)
		}
	}
	r.mu.Unlock()

	return evicted, nil
}

// Remove deletes a node's registry entry. Call only after every session
// bound to the node has been terminated and its capacity released.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()
}

// Get returns a copy of one node's current state.
func (r *Registry) Get(id string) (*NodeState, error) {
	n, ok := r.lookup(id)
	if !ok {
		return nil, ErrNodeNotFound
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Clone(), nil
}

// Snapshot returns a point-in-time copy of every node, ordered by ID. The
// snapshot may be stale by the time a reservation is attempted; callers
// must re-check through TryReserve.
func (r *Registry) Snapshot() []*NodeState {
	r.mu.RLock()
	nodes := make([]*node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	states := make([]*NodeState, 0, len(nodes))
	for _, n := range nodes {
		n.mu.Lock()
		states = append(states, n.state.Clone())
		n.mu.Unlock()
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// Occupancy reports aggregate reserved and capacity across non-Offline nodes.
func (r *Registry) Occupancy() (reserved, capacity int) {
	for _, n := range r.Snapshot() {
		if n.Liveness == Offline {
			continue
		}
		reserved += n.Reserved
		capacity += n.Capacity
	}
	return reserved, capacity
}

func (r *Registry) lookup(id string) (*node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}
