// Package metrics keeps in-process counters for the control plane. The
// counters are purely observational; nothing consults them for decisions.
package metrics

import "sync"

type Metrics struct {
	mu                  sync.Mutex
	allocationAttempts  uint64
	allocationSuccesses uint64
	allocationFailures  uint64
	nodeEvictions       uint64
	sessionsCreated     uint64
	sessionsEnded       uint64
	sessionsAborted     uint64
}

// Stats is a copyable snapshot of the counters, plus registry gauges the
// server fills in at read time.
type Stats struct {
	AllocationAttempts  uint64 `json:"allocationAttempts"`
	AllocationSuccesses uint64 `json:"allocationSuccesses"`
	AllocationFailures  uint64 `json:"allocationFailures"`
	NodeEvictions       uint64 `json:"nodeEvictions"`
	SessionsCreated     uint64 `json:"sessionsCreated"`
	SessionsEnded       uint64 `json:"sessionsEnded"`
	SessionsAborted     uint64 `json:"sessionsAborted"`
	NodesOnline         int    `json:"nodesOnline"`
	ReservedCapacity    int    `json:"reservedCapacity"`
	TotalCapacity       int    `json:"totalCapacity"`
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) AllocationAttempt() { m.inc(func(m *Metrics) *uint64 { return &m.allocationAttempts }) }
func (m *Metrics) AllocationSuccess() { m.inc(func(m *Metrics) *uint64 { return &m.allocationSuccesses }) }
func (m *Metrics) AllocationFailure() { m.inc(func(m *Metrics) *uint64 { return &m.allocationFailures }) }
func (m *Metrics) NodeEviction()      { m.inc(func(m *Metrics) *uint64 { return &m.nodeEvictions }) }
func (m *Metrics) SessionCreated()    { m.inc(func(m *Metrics) *uint64 { return &m.sessionsCreated }) }
func (m *Metrics) SessionEnded()      { m.inc(func(m *Metrics) *uint64 { return &m.sessionsEnded }) }
func (m *Metrics) SessionAborted()    { m.inc(func(m *Metrics) *uint64 { return &m.sessionsAborted }) }

// inc takes a field selector rather than a field address so that the nil
// check runs before the receiver is dereferenced.
func (m *Metrics) inc(field func(*Metrics) *uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	*field(m)++
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters. Gauge fields are left zero for
// the caller to fill from the registry.
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		AllocationAttempts:  m.allocationAttempts,
		AllocationSuccesses: m.allocationSuccesses,
		AllocationFailures:  m.allocationFailures,
		NodeEvictions:       m.nodeEvictions,
		SessionsCreated:     m.sessionsCreated,
		SessionsEnded:       m.sessionsEnded,
		SessionsAborted:     m.sessionsAborted,
	}
}
