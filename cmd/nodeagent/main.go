// nodeagent is the control-plane client that runs on a hosting machine:
// it registers the node, heartbeats with real host load figures, and acks
// the session assignments streamed to it over the node's event stream.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type agent struct {
	server   string
	token    string
	nodeID   string
	client   *http.Client
	active   int64
	interval time.Duration
}

type descriptor struct {
	ID       string   `json:"id,omitempty"`
	Addr     string   `json:"addr"`
	Capacity int      `json:"capacity"`
	Version  string   `json:"version,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type loadSnapshot struct {
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryPercent  float64 `json:"memoryPercent"`
	ActiveSessions int     `json:"activeSessions"`
}

// event is the subset of the stream event the agent acts on.
type event struct {
	Type    string `json:"type"`
	Payload struct {
		Session struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"session"`
	} `json:"payload"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Control plane base URL")
	token := flag.String("token", "", "Auth token")
	id := flag.String("id", "", "Node identity (assigned by the control plane when empty)")
	addr := flag.String("addr", "", "Address game clients connect to")
	capacity := flag.Int("capacity", 4, "Max concurrent sessions")
	tags := flag.String("tags", "", "Comma-separated affinity tags")
	version := flag.String("version", "dev", "Node build tag")
	interval := flag.Duration("interval", 5*time.Second, "Heartbeat interval")
	flag.Parse()

	a := &agent{
		server:   strings.TrimRight(*server, "/"),
		token:    *token,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: *interval,
	}

	var tagList []string
	if *tags != "" {
		tagList = strings.Split(*tags, ",")
	}
	if err := a.register(descriptor{
		ID: *id, Addr: *addr, Capacity: *capacity, Version: *version, Tags: tagList,
	}); err != nil {
		log.Fatalf("Registration failed: %v", err)
	}
	log.Printf("Registered as node %s (capacity %d)", a.nodeID, *capacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	go a.heartbeatLoop(ctx)
	a.streamLoop(ctx)
}

func (a *agent) register(d descriptor) error {
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.post("/api/nodes", d, &resp); err != nil {
		return err
	}
	a.nodeID = resp.ID
	return nil
}

func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.post("/api/nodes/"+a.nodeID+"/heartbeat", a.sampleLoad(), nil); err != nil {
				log.Printf("heartbeat: %v", err)
			}
		}
	}
}

// sampleLoad reads host CPU and memory utilization. Failures degrade to
// zero figures rather than skipping the heartbeat; liveness matters more
// than the load numbers.
func (a *agent) sampleLoad() loadSnapshot {
	snap := loadSnapshot{ActiveSessions: int(atomic.LoadInt64(&a.active))}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}
	return snap
}

// streamLoop keeps the node's event subscription open, redialing with a
// short delay after any disconnect.
func (a *agent) streamLoop(ctx context.Context) {
	for {
		if err := a.stream(ctx); err != nil {
			log.Printf("event stream: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (a *agent) stream(ctx context.Context) error {
	wsURL, err := a.wsURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{"X-Subject": {a.nodeID}})
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.handle(ev)
	}
}

func (a *agent) handle(ev event) {
	sessionID := ev.Payload.Session.ID
	switch ev.Type {
	case "session_bound":
		log.Printf("session %s assigned, acking ready", sessionID)
		atomic.AddInt64(&a.active, 1)
		a.ack(sessionID, "ready")
		// The real game process would report start once the instance is
		// up; this agent hosts nothing, so it reports immediately.
		a.ack(sessionID, "started")
	case "session_ended", "session_aborted":
		log.Printf("session %s finished (%s)", sessionID, ev.Type)
		atomic.AddInt64(&a.active, -1)
	}
}

func (a *agent) ack(sessionID, ackEvent string) {
	body := map[string]string{"sessionId": sessionID, "event": ackEvent}
	if err := a.post("/api/nodes/"+a.nodeID+"/ack", body, nil); err != nil {
		log.Printf("ack %s for session %s: %v", ackEvent, sessionID, err)
	}
}

func (a *agent) wsURL() (string, error) {
	u, err := url.Parse(a.server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("target", "node:"+a.nodeID)
	if a.token != "" {
		q.Set("token", a.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *agent) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, a.server+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Subject", a.nodeID)
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
