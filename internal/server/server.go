// Package server is the HTTP and websocket surface of the control plane.
// It translates typed requests into orchestrator and registry calls, and
// carries per-subscription event streams over websocket. Identity arrives
// pre-verified (X-Subject) from the auth gateway in front of this process;
// the core performs no credential verification of its own.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hostforge/controlplane/internal/allocator"
	"github.com/hostforge/controlplane/internal/broadcast"
	"github.com/hostforge/controlplane/internal/config"
	"github.com/hostforge/controlplane/internal/metrics"
	"github.com/hostforge/controlplane/internal/persist"
	"github.com/hostforge/controlplane/internal/registry"
	"github.com/hostforge/controlplane/internal/session"
)

const subjectHeader = "X-Subject"

type Server struct {
	cfg            *config.Config
	reg            *registry.Registry
	orch           *session.Orchestrator
	broadcaster    *broadcast.Broadcaster
	metrics        *metrics.Metrics
	records        *persist.Store
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func New(cfg *config.Config, reg *registry.Registry, orch *session.Orchestrator, b *broadcast.Broadcaster, m *metrics.Metrics, records *persist.Store) *Server {
	s := &Server{
		cfg:            cfg,
		reg:            reg,
		orch:           orch,
		broadcaster:    b,
		metrics:        m,
		records:        records,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/nodes/", s.handleNodeRoutes)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/records", s.handleRecords)
}

// subject returns the verified caller identity supplied by the auth
// gateway. Empty means the request carried no identity.
func subject(r *http.Request) string {
	return r.Header.Get(subjectHeader)
}

type createSessionRequest struct {
	Slots int      `json:"slots"`
	Tags  []string `json:"tags,omitempty"`
}

type slotSettingsRequest struct {
	Team  int  `json:"team"`
	Color int  `json:"color"`
	Ready bool `json:"ready"`
}

type nodeAckRequest struct {
	SessionID string `json:"sessionId"`
	Event     string `json:"event"` // ready | started | ended
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.orch.List())
	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		creator := subject(r)
		if creator == "" {
			http.Error(w, "missing subject", http.StatusBadRequest)
			return
		}
		sess, err := s.orch.Create(creator, req.Slots, req.Tags)
		if err != nil {
			s.writeError(w, err)
			return
		}
		sess, err = s.orch.OpenForJoin(sess.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/sessions/{id} or /api/sessions/{id}/{action}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sess, err := s.orch.Get(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	player := subject(r)
	var sess *session.Session
	switch parts[1] {
	case "join":
		sess, err = s.orch.Join(id, player)
	case "leave":
		sess, err = s.orch.Leave(id, player)
	case "start":
		sess, err = s.orch.RequestStart(r.Context(), id, player)
	case "abort":
		sess, err = s.orch.Abort(id, "requested by "+player)
	case "slot":
		var req slotSettingsRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		sess, err = s.orch.UpdateSlotSettings(id, player, session.SlotSettings{
			Team: req.Team, Color: req.Color, Ready: req.Ready,
		})
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.reg.Snapshot())
	case http.MethodPost:
		var d registry.Descriptor
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		id, err := s.reg.Register(d)
		if err != nil {
			s.writeError(w, err)
			return
		}
		log.Printf("node %s registered (capacity %d, addr %s)", id, d.Capacity, d.Addr)
		s.broadcaster.Publish(broadcast.NodeTarget(id), broadcast.Event{
			Type:    broadcast.EventNodeOnline,
			Payload: map[string]string{"nodeId": id},
		})
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNodeRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/nodes/{id} or /api/nodes/{id}/{action}
	path := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		node, err := s.reg.Get(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch parts[1] {
	case "heartbeat":
		var load registry.LoadSnapshot
		if derr := json.NewDecoder(r.Body).Decode(&load); derr != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := s.reg.Heartbeat(id, load); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "ack":
		var req nodeAckRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		var sess *session.Session
		switch req.Event {
		case "ready":
			sess, err = s.orch.NodeReady(req.SessionID, id)
		case "started":
			sess, err = s.orch.GameStarted(req.SessionID, id)
		case "ended":
			sess, err = s.orch.GameEnded(req.SessionID, id)
		default:
			http.Error(w, "unknown ack event", http.StatusBadRequest)
			return
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	stats := s.metrics.Snapshot()
	stats.ReservedCapacity, stats.TotalCapacity = s.reg.Occupancy()
	for _, n := range s.reg.Snapshot() {
		if n.Liveness == registry.Online {
			stats.NodesOnline++
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.records == nil {
		http.Error(w, "records not available", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.records.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the core's error taxonomy onto HTTP statuses. Rejected
// requests always carry their specific reason; nothing is swallowed.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, registry.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrUnknownNode):
		return http.StatusGone
	case errors.Is(err, session.ErrInvalidSlotCount):
		return http.StatusBadRequest
	case errors.Is(err, allocator.ErrCapacityUnavailable),
		errors.Is(err, registry.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrSessionFull),
		errors.Is(err, session.ErrAlreadyInSession),
		errors.Is(err, session.ErrNotSeated),
		errors.Is(err, session.ErrNoPlayers),
		errors.Is(err, session.ErrWrongNode),
		errors.Is(err, session.ErrSessionAborted),
		errors.Is(err, registry.ErrDuplicateActiveNode),
		errors.Is(err, registry.ErrStaleToken):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Controlplane-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("control plane listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
