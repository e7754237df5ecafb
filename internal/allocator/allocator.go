// Package allocator selects a hosting node for a session and reserves
// capacity on it. Selection is a pure ranking over a registry snapshot;
// races with concurrent allocations are absorbed by walking the ranking
// and re-checking through TryReserve.
package allocator

import (
	"errors"
	"sort"

	"github.com/hostforge/controlplane/internal/registry"
)

// ErrCapacityUnavailable is returned once the fallback depth is exhausted
// without a successful reservation.
var ErrCapacityUnavailable = errors.New("allocator: no node with available capacity")

// DefaultFallbackDepth bounds how many ranked candidates are attempted
// before an allocation round is declared failed.
const DefaultFallbackDepth = 3

// Requirements describes what a session needs from its hosting node.
type Requirements struct {
	// Tags the node must carry, e.g. a region or game build. Empty means any.
	Tags []string
}

type Allocator struct {
	reg   *registry.Registry
	depth int
}

func New(reg *registry.Registry, fallbackDepth int) *Allocator {
	if fallbackDepth <= 0 {
		fallbackDepth = DefaultFallbackDepth
	}
	return &Allocator{reg: reg, depth: fallbackDepth}
}

// Allocate ranks the current snapshot and attempts to reserve one session's
// worth of capacity on the best candidate, falling through to the next
// ranked node when a reservation race is lost. The snapshot is taken once;
// losing every attempt within the fallback depth fails the round.
func (a *Allocator) Allocate(req Requirements) (registry.ReservationToken, error) {
	candidates := Rank(a.reg.Snapshot(), req)

	attempts := len(candidates)
	if attempts > a.depth {
		attempts = a.depth
	}
	for _, c := range candidates[:attempts] {
		tok, err := a.reg.TryReserve(c.ID, 1)
		if err == nil {
			return tok, nil
		}
		// Lost the race (capacity taken or node evicted since the
		// snapshot); fall through to the next candidate.
		if errors.Is(err, registry.ErrCapacityExceeded) || errors.Is(err, registry.ErrUnknownNode) || errors.Is(err, registry.ErrNodeNotFound) {
			continue
		}
		return registry.ReservationToken{}, err
	}
	return registry.ReservationToken{}, ErrCapacityUnavailable
}

// Rank filters a snapshot down to eligible nodes and orders them best-first:
// Online, matching tags, with spare capacity; least-loaded first, ties broken
// by earliest registration (favors long-lived nodes), then by ID.
func Rank(snapshot []*registry.NodeState, req Requirements) []*registry.NodeState {
	eligible := make([]*registry.NodeState, 0, len(snapshot))
	for _, n := range snapshot {
		if n.Liveness != registry.Online {
			continue
		}
		if n.Available() < 1 {
			continue
		}
		if !n.HasTags(req.Tags) {
			continue
		}
		eligible = append(eligible, n)
	}

	sort.Slice(eligible, func(i, j int) bool {
		li, lj := eligible[i].LoadFraction(), eligible[j].LoadFraction()
		if li != lj {
			return li < lj
		}
		if !eligible[i].RegisteredAt.Equal(eligible[j].RegisteredAt) {
			return eligible[i].RegisteredAt.Before(eligible[j].RegisteredAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible
}
