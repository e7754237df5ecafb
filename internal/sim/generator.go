// Package sim drives a simulated fleet against the real registry and
// orchestrator: a handful of in-process nodes that heartbeat on schedule,
// and batches of players that fill lobbies and play short games. Useful for
// demos and for watching the control plane under steady churn.
package sim

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/hostforge/controlplane/internal/registry"
	"github.com/hostforge/controlplane/internal/session"
)

type simNode struct {
	id       string
	capacity int
}

type Generator struct {
	reg       *registry.Registry
	orch      *session.Orchestrator
	heartbeat time.Duration
	nodes     []simNode
}

func NewGenerator(reg *registry.Registry, orch *session.Orchestrator, heartbeat time.Duration) *Generator {
	return &Generator{reg: reg, orch: orch, heartbeat: heartbeat}
}

// Start registers the simulated nodes and runs lobby churn until ctx is
// cancelled.
func (g *Generator) Start(ctx context.Context) {
	for i, capacity := range []int{4, 2, 2} {
		id, err := g.reg.Register(registry.Descriptor{
			ID:       fmt.Sprintf("sim-node-%d", i+1),
			Addr:     fmt.Sprintf("10.0.0.%d:7000", i+1),
			Capacity: capacity,
			Version:  "sim",
		})
		if err != nil {
			log.Printf("sim: registering node: %v", err)
			continue
		}
		g.nodes = append(g.nodes, simNode{id: id, capacity: capacity})
	}

	go g.heartbeatLoop(ctx)

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	round := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			round++
			go g.playOnce(ctx, round)
		}
	}
}

func (g *Generator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range g.nodes {
				load := registry.LoadSnapshot{
					CPUPercent:    10 + rand.Float64()*40,
					MemoryPercent: 30 + rand.Float64()*20,
				}
				if err := g.reg.Heartbeat(n.id, load); err != nil {
					log.Printf("sim: heartbeat %s: %v", n.id, err)
				}
			}
		}
	}
}

// playOnce runs one lobby from creation through a short game to its end.
func (g *Generator) playOnce(ctx context.Context, round int) {
	creator := fmt.Sprintf("sim-player-%d-a", round)
	sess, err := g.orch.Create(creator, 2, nil)
	if err != nil {
		log.Printf("sim: create: %v", err)
		return
	}
	if _, err := g.orch.OpenForJoin(sess.ID); err != nil {
		return
	}
	if _, err := g.orch.Join(sess.ID, creator); err != nil {
		return
	}
	g.orch.Join(sess.ID, fmt.Sprintf("sim-player-%d-b", round))

	bound, err := g.orch.RequestStart(ctx, sess.ID, creator)
	if err != nil {
		log.Printf("sim: start %s: %v", sess.ID, err)
		g.orch.Abort(sess.ID, "sim start failed")
		return
	}

	g.orch.NodeReady(sess.ID, bound.NodeID)
	g.orch.GameStarted(sess.ID, bound.NodeID)

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(2+rand.Intn(6)) * time.Second):
	}
	if _, err := g.orch.GameEnded(sess.ID, bound.NodeID); err != nil {
		log.Printf("sim: end %s: %v", sess.ID, err)
	}
}
