// Package health drives node liveness from heartbeat age: one missed
// deadline degrades a node to Suspect, a second consecutive miss evicts it.
// Eviction is driven by time on a fixed tick, never by request traffic.
package health

import (
	"context"
	"log"
	"time"

	"github.com/hostforge/controlplane/internal/broadcast"
	"github.com/hostforge/controlplane/internal/metrics"
	"github.com/hostforge/controlplane/internal/registry"
)

// NodeLossHandler receives the outstanding reservation tokens of an evicted
// node so the sessions holding them can be force-terminated.
type NodeLossHandler interface {
	HandleNodeLoss(nodeID string, tokens []registry.ReservationToken)
}

// Config holds the monitor's timing knobs. SuspectAfter and OfflineAfter
// are absolute heartbeat-age deadlines, typically multiples of the
// heartbeat interval.
type Config struct {
	TickInterval time.Duration
	SuspectAfter time.Duration
	OfflineAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = 10 * time.Second
	}
	if c.OfflineAfter <= c.SuspectAfter {
		c.OfflineAfter = 2 * c.SuspectAfter
	}
}

type Monitor struct {
	reg     *registry.Registry
	losses  NodeLossHandler
	events  *broadcast.Broadcaster
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

func NewMonitor(reg *registry.Registry, losses NodeLossHandler, events *broadcast.Broadcaster, m *metrics.Metrics, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		reg:     reg,
		losses:  losses,
		events:  events,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start runs the liveness tick until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	log.Printf("health monitor started (suspect after %s, offline after %s)", m.cfg.SuspectAfter, m.cfg.OfflineAfter)

	for {
		select {
		case <-ctx.Done():
			log.Println("health monitor stopped")
			return
		case <-ticker.C:
			m.Check(m.now())
		}
	}
}

// Check walks the registry snapshot once and applies the liveness state
// machine. Exported so tests can tick with a controlled clock.
func (m *Monitor) Check(now time.Time) {
	for _, n := range m.reg.Snapshot() {
		age := now.Sub(n.LastHeartbeat)
		switch n.Liveness {
		case registry.Online:
			if age > m.cfg.SuspectAfter {
				if err := m.reg.MarkSuspect(n.ID); err != nil {
					continue
				}
				log.Printf("node %s suspect (last heartbeat %s ago)", n.ID, age.Round(time.Millisecond))
				m.publish(n.ID, broadcast.EventNodeSuspect)
			}
		case registry.Suspect:
			if age > m.cfg.OfflineAfter {
				m.evict(n.ID, age)
			}
		}
	}
}

func (m *Monitor) evict(nodeID string, age time.Duration) {
	tokens, err := m.reg.Evict(nodeID)
	if err != nil {
		log.Printf("node %s: evict failed: %v", nodeID, err)
		return
	}
	log.Printf("node %s offline after %s without heartbeat, %d reservation(s) recovered", nodeID, age.Round(time.Millisecond), len(tokens))
	m.metrics.NodeEviction()
	m.publish(nodeID, broadcast.EventNodeOffline)
	if m.losses != nil {
		m.losses.HandleNodeLoss(nodeID, tokens)
	}
}

func (m *Monitor) publish(nodeID string, evType broadcast.EventType) {
	if m.events == nil {
		return
	}
	m.events.Publish(broadcast.NodeTarget(nodeID), broadcast.Event{
		Type:    evType,
		Payload: map[string]string{"nodeId": nodeID},
	})
}
