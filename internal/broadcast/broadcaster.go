// Package broadcast fans session and node state-change events out to every
// live subscription of a target. Delivery is at-least-once: a subscriber
// that drops its connection re-subscribes with its last-delivered version
// and is caught up from recent events, or from a snapshot of the target's
// current state when the gap is too old.
package broadcast

import (
	"log"
	"sync"
	"time"
)

const (
	defaultQueueSize = 64
	defaultRingSize  = 256
)

// SnapshotFunc answers "current full state of this target" for replay
// catch-up. ok is false when the target no longer exists.
type SnapshotFunc func(target string) (payload any, version uint64, ok bool)

// Subscriber is one live interest registration in a target's event stream.
// Events arrive on Events() in strictly increasing version order.
type Subscriber struct {
	ID     string
	Target string

	ch        chan Event
	closeOnce sync.Once

	mu         sync.Mutex
	lastQueued uint64
}

// Events is the subscriber's delivery channel. It is closed when the
// subscription is removed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// enqueue delivers ev if it advances the subscriber's version, without
// blocking. Reports false when the subscriber's queue is full.
func (s *Subscriber) enqueue(ev Event) bool {
	s.mu.Lock()
	if ev.Version <= s.lastQueued {
		s.mu.Unlock()
		return true
	}
	s.lastQueued = ev.Version
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// targetState holds the subscriber set and recent-event ring for one target.
// The ring exists only to serve replay within the retention window; the
// target's current state remains the source of truth.
type targetState struct {
	seq  uint64 // highest version seen; also mints versions for node targets
	ring []Event
	subs map[*Subscriber]bool
}

type Broadcaster struct {
	mu        sync.Mutex
	targets   map[string]*targetState
	snapshot  SnapshotFunc
	queueSize int
	ringSize  int
	retention time.Duration
	now       func() time.Time
}

func NewBroadcaster(queueSize, ringSize int, retention time.Duration) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Broadcaster{
		targets:   make(map[string]*targetState),
		queueSize: queueSize,
		ringSize:  ringSize,
		retention: retention,
		now:       time.Now,
	}
}

// SetSnapshotHook configures the current-state provider used for replay
// catch-up. Must be called before the first Subscribe.
func (b *Broadcaster) SetSnapshotHook(fn SnapshotFunc) {
	b.mu.Lock()
	b.snapshot = fn
	b.mu.Unlock()
}

// Subscribe registers interest in a target's events starting after version
// since (0 means "from the beginning"). Any events the subscriber missed are
// queued before the subscription goes live, so no publish can interleave
// between catch-up and live delivery.
func (b *Broadcaster) Subscribe(id, target string, since uint64) *Subscriber {
	sub := &Subscriber{
		ID:     id,
		Target: target,
		ch:     make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	ts := b.target(target)
	for _, ev := range b.replayLocked(ts, target, since) {
		sub.enqueue(ev)
	}
	ts.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// replayLocked builds the catch-up sequence for a subscriber at version
// since. When the ring still holds a contiguous run covering the gap, the
// individual events are replayed; otherwise a single snapshot event at the
// current version closes the gap. Caller must hold b.mu.
func (b *Broadcaster) replayLocked(ts *targetState, target string, since uint64) []Event {
	if ts.seq <= since {
		return nil
	}

	if len(ts.ring) > 0 && ts.ring[0].Version <= since+1 {
		var missed []Event
		for _, ev := range ts.ring {
			if ev.Version > since {
				missed = append(missed, ev)
			}
		}
		return missed
	}

	if b.snapshot == nil {
		return nil
	}
	payload, version, ok := b.snapshot(target)
	if !ok || version <= since {
		return nil
	}
	return []Event{{
		Target:  target,
		Type:    EventSnapshot,
		Version: version,
		Payload: payload,
		Time:    b.now(),
	}}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if ts, ok := b.targets[sub.Target]; ok {
		if ts.subs[sub] {
			delete(ts.subs, sub)
			sub.close()
		}
	}
	b.mu.Unlock()
}

// Publish delivers an event to every current subscriber of its target.
// Enqueueing happens under the lock, so concurrent publishes to one target
// reach every subscriber in version order, and a concurrent subscribe or
// unsubscribe can neither be dropped nor duplicated mid-publish. Events with
// Version 0 (node targets) are assigned the target's next sequence number.
func (b *Broadcaster) Publish(target string, ev Event) {
	b.mu.Lock()
	ts := b.target(target)
	if ev.Version == 0 {
		ts.seq++
		ev.Version = ts.seq
	} else if ev.Version > ts.seq {
		ts.seq = ev.Version
	}
	ev.Target = target
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	ts.ring = append(ts.ring, ev)
	b.pruneLocked(ts)

	var slow []*Subscriber
	for sub := range ts.subs {
		if !sub.enqueue(ev) {
			slow = append(slow, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range slow {
		// Subscriber can't keep up; drop it. It will catch up via replay
		// when it re-subscribes.
		log.Printf("broadcast: subscriber %s too slow on %s, dropping", sub.ID, target)
		b.Unsubscribe(sub)
	}
}

// DropTarget discards a target's ring and closes all of its subscriptions.
// Called when the underlying session is swept after its retention window.
func (b *Broadcaster) DropTarget(target string) {
	b.mu.Lock()
	ts, ok := b.targets[target]
	if ok {
		delete(b.targets, target)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	for sub := range ts.subs {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscriptions for a target.
func (b *Broadcaster) SubscriberCount(target string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.targets[target]; ok {
		return len(ts.subs)
	}
	return 0
}

func (b *Broadcaster) target(target string) *targetState {
	ts, ok := b.targets[target]
	if !ok {
		ts = &targetState{subs: make(map[*Subscriber]bool)}
		b.targets[target] = ts
	}
	return ts
}

// pruneLocked trims the ring to its size bound and retention window.
// Caller must hold b.mu.
func (b *Broadcaster) pruneLocked(ts *targetState) {
	if len(ts.ring) > b.ringSize {
		ts.ring = append(ts.ring[:0:0], ts.ring[len(ts.ring)-b.ringSize:]...)
	}
	if b.retention <= 0 {
		return
	}
	cutoff := b.now().Add(-b.retention)
	drop := 0
	for drop < len(ts.ring) && ts.ring[drop].Time.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		ts.ring = append(ts.ring[:0:0], ts.ring[drop:]...)
	}
}
