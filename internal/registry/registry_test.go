package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegisterAssignsID(t *testing.T) {
	r := New()
	id, err := r.Register(Descriptor{Addr: "10.0.0.1:7000", Capacity: 4})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id == "" {
		t.Fatal("Register returned empty id")
	}
	n, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n.Capacity != 4 || n.Liveness != Online || n.Reserved != 0 {
		t.Errorf("unexpected node state: %+v", n)
	}
}

func TestRegisterDuplicateActive(t *testing.T) {
	r := New()
	if _, err := r.Register(Descriptor{ID: "n1", Capacity: 2}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := r.Register(Descriptor{ID: "n1", Capacity: 2})
	if !errors.Is(err, ErrDuplicateActiveNode) {
		t.Errorf("duplicate Register error = %v, want ErrDuplicateActiveNode", err)
	}
}

func TestRegisterReadmitsOfflineNode(t *testing.T) {
	r := New()
	if _, err := r.Register(Descriptor{ID: "n1", Capacity: 2}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Evict("n1"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := r.Register(Descriptor{ID: "n1", Capacity: 3}); err != nil {
		t.Fatalf("re-Register after evict: %v", err)
	}
	n, _ := r.Get("n1")
	if n.Liveness != Online || n.Capacity != 3 || n.Reserved != 0 {
		t.Errorf("re-admitted node state: %+v", n)
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	r := New()
	if err := r.Heartbeat("nope", LoadSnapshot{}); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Heartbeat unknown = %v, want ErrUnknownNode", err)
	}
}

func TestHeartbeatRejectedAfterEvict(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 1})
	r.Evict("n1")
	if err := r.Heartbeat("n1", LoadSnapshot{}); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Heartbeat after evict = %v, want ErrUnknownNode", err)
	}
}

func TestHeartbeatRestoresSuspect(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 1})
	r.MarkSuspect("n1")
	n, _ := r.Get("n1")
	if n.Liveness != Suspect {
		t.Fatalf("liveness after MarkSuspect = %v, want Suspect", n.Liveness)
	}
	if err := r.Heartbeat("n1", LoadSnapshot{CPUPercent: 12}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	n, _ = r.Get("n1")
	if n.Liveness != Online {
		t.Errorf("liveness after heartbeat = %v, want Online", n.Liveness)
	}
	if n.Load.CPUPercent != 12 {
		t.Errorf("load not recorded: %+v", n.Load)
	}
}

func TestTryReserveWithinCapacity(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 2})

	tok1, err := r.TryReserve("n1", 1)
	if err != nil {
		t.Fatalf("first TryReserve: %v", err)
	}
	if tok1.NodeID != "n1" || tok1.Amount != 1 {
		t.Errorf("token = %+v", tok1)
	}
	if _, err := r.TryReserve("n1", 1); err != nil {
		t.Fatalf("second TryReserve: %v", err)
	}
	_, err = r.TryReserve("n1", 1)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("over-capacity TryReserve = %v, want ErrCapacityExceeded", err)
	}
	n, _ := r.Get("n1")
	if n.Reserved != 2 {
		t.Errorf("Reserved = %d, want 2", n.Reserved)
	}
}

func TestReleaseConsumedOnce(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 1})
	tok, err := r.TryReserve("n1", 1)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if err := r.Release(tok); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	n, _ := r.Get("n1")
	if n.Reserved != 0 {
		t.Errorf("Reserved after release = %d, want 0", n.Reserved)
	}
	if err := r.Release(tok); !errors.Is(err, ErrStaleToken) {
		t.Errorf("second Release = %v, want ErrStaleToken", err)
	}
	n, _ = r.Get("n1")
	if n.Reserved != 0 {
		t.Errorf("Reserved after double release = %d, want 0", n.Reserved)
	}
}

func TestTryReserveConcurrent(t *testing.T) {
	const capacity = 5
	const attempts = 20

	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: capacity})

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.TryReserve("n1", 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, failures := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrCapacityExceeded):
			failures++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != capacity {
		t.Errorf("successes = %d, want %d", successes, capacity)
	}
	if failures != attempts-capacity {
		t.Errorf("failures = %d, want %d", failures, attempts-capacity)
	}
	n, _ := r.Get("n1")
	if n.Reserved != capacity {
		t.Errorf("final Reserved = %d, want %d", n.Reserved, capacity)
	}
}

func TestEvictReturnsOutstandingTokens(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 3})
	r.Register(Descriptor{ID: "n2", Capacity: 3})

	tokA, _ := r.TryReserve("n1", 1)
	tokB, _ := r.TryReserve("n1", 1)
	tokOther, _ := r.TryReserve("n2", 1)

	tokens, err := r.Evict("n1")
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("evicted tokens = %d, want 2", len(tokens))
	}
	ids := map[string]bool{tokens[0].ID: true, tokens[1].ID: true}
	if !ids[tokA.ID] || !ids[tokB.ID] {
		t.Errorf("evicted tokens %v missing expected ids", tokens)
	}

	n, _ := r.Get("n1")
	if n.Liveness != Offline || n.Reserved != 0 {
		t.Errorf("evicted node state: %+v", n)
	}

	// Evicted tokens are already consumed.
	if err := r.Release(tokA); !errors.Is(err, ErrStaleToken) {
		t.Errorf("Release evicted token = %v, want ErrStaleToken", err)
	}
	// The other node's token is untouched.
	if err := r.Release(tokOther); err != nil {
		t.Errorf("Release unrelated token: %v", err)
	}
}

func TestTryReserveInvalidAmount(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 2})

	for _, amount := range []int{0, -1} {
		if _, err := r.TryReserve("n1", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("TryReserve(%d) = %v, want ErrInvalidAmount", amount, err)
		}
	}
	n, _ := r.Get("n1")
	if n.Reserved != 0 {
		t.Errorf("Reserved = %d, want 0", n.Reserved)
	}
}

// A reservation racing an eviction must never slip past the eviction
// sweep: a token handed out successfully is always part of the evicted
// set, and nothing lingers in the outstanding-token table.
func TestTryReserveEvictRace(t *testing.T) {
	for i := 0; i < 300; i++ {
		r := New()
		r.Register(Descriptor{ID: "n1", Capacity: 1})

		var (
			tok     ReservationToken
			rerr    error
			evicted []ReservationToken
			wg      sync.WaitGroup
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			tok, rerr = r.TryReserve("n1", 1)
		}()
		go func() {
			defer wg.Done()
			evicted, _ = r.Evict("n1")
		}()
		wg.Wait()

		if rerr == nil {
			found := false
			for _, et := range evicted {
				if et.ID == tok.ID {
					found = true
				}
			}
			if !found {
				t.Fatalf("round %d: issued token %s missing from evicted set %v", i, tok.ID, evicted)
			}
			if err := r.Release(tok); !errors.Is(err, ErrStaleToken) {
				t.Fatalf("round %d: Release of evicted token = %v, want ErrStaleToken", i, err)
			}
		} else if !errors.Is(rerr, ErrUnknownNode) {
			t.Fatalf("round %d: TryReserve = %v", i, rerr)
		}

		n, _ := r.Get("n1")
		if n.Reserved != 0 {
			t.Fatalf("round %d: Reserved = %d, want 0", i, n.Reserved)
		}
		r.mu.Lock()
		leaked := len(r.tokens)
		r.mu.Unlock()
		if leaked != 0 {
			t.Fatalf("round %d: %d token(s) leaked in the outstanding table", i, leaked)
		}
	}
}

func TestOutstanding(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 1})
	tok, _ := r.TryReserve("n1", 1)

	if !r.Outstanding(tok) {
		t.Error("fresh token reported not outstanding")
	}
	r.Release(tok)
	if r.Outstanding(tok) {
		t.Error("released token reported outstanding")
	}

	tok2, _ := r.TryReserve("n1", 1)
	r.Evict("n1")
	if r.Outstanding(tok2) {
		t.Error("evicted token reported outstanding")
	}
}

func TestTryReserveOfflineNode(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 1})
	r.Evict("n1")
	if _, err := r.TryReserve("n1", 1); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("TryReserve offline = %v, want ErrUnknownNode", err)
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 2, Tags: []string{"eu"}})

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1", len(snap))
	}
	snap[0].Reserved = 99
	snap[0].Tags[0] = "mutated"

	n, _ := r.Get("n1")
	if n.Reserved != 0 {
		t.Error("snapshot mutation leaked into registry")
	}
	if n.Tags[0] != "eu" {
		t.Error("snapshot tag mutation leaked into registry")
	}
}

func TestSnapshotOrderedByID(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "b", Capacity: 1})
	r.Register(Descriptor{ID: "a", Capacity: 1})
	r.Register(Descriptor{ID: "c", Capacity: 1})

	snap := r.Snapshot()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("snapshot[%d].ID = %s, want %s", i, snap[i].ID, id)
		}
	}
}

func TestOccupancySkipsOffline(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 4})
	r.Register(Descriptor{ID: "n2", Capacity: 2})
	r.TryReserve("n1", 1)
	r.Evict("n2")

	reserved, capacity := r.Occupancy()
	if reserved != 1 || capacity != 4 {
		t.Errorf("Occupancy = %d/%d, want 1/4", reserved, capacity)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Register(Descriptor{ID: "n1", Capacity: 1})
	r.Remove("n1")
	if _, err := r.Get("n1"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Get after Remove = %v, want ErrNodeNotFound", err)
	}
}

func TestRegisteredAtSet(t *testing.T) {
	r := New()
	before := time.Now()
	r.Register(Descriptor{ID: "n1", Capacity: 1})
	n, _ := r.Get("n1")
	if n.RegisteredAt.Before(before) || n.RegisteredAt.After(time.Now()) {
		t.Errorf("RegisteredAt = %v, outside expected window", n.RegisteredAt)
	}
}
