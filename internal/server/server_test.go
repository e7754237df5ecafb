package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hostforge/controlplane/internal/allocator"
	"github.com/hostforge/controlplane/internal/broadcast"
	"github.com/hostforge/controlplane/internal/config"
	"github.com/hostforge/controlplane/internal/metrics"
	"github.com/hostforge/controlplane/internal/registry"
	"github.com/hostforge/controlplane/internal/session"
)

type testServer struct {
	*httptest.Server
	reg  *registry.Registry
	orch *session.Orchestrator
}

func newTestServer(t *testing.T, authToken string) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Server.AuthToken = authToken

	reg := registry.New()
	m := metrics.New()
	events := broadcast.NewBroadcaster(64, 64, time.Minute)
	orch := session.NewOrchestrator(reg, allocator.New(reg, 3), events, nil, m, session.Config{
		AllocRetryBudget: 1,
		AllocBackoffMin:  time.Millisecond,
		AllocBackoffMax:  2 * time.Millisecond,
	})
	events.SetSnapshotHook(orch.Snapshot)

	srv := New(cfg, reg, orch, events, m, nil)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, reg: reg, orch: orch}
}

func (ts *testServer) do(t *testing.T, method, path, subject string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if subject != "" {
		req.Header.Set(subjectHeader, subject)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func TestCreateSession(t *testing.T) {
	ts := newTestServer(t, "")

	var sess session.Session
	resp := ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 2}, &sess)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if sess.Creator != "alice" || sess.State != session.WaitingForPlayers || len(sess.Slots) != 2 {
		t.Errorf("created session = %+v", sess)
	}
	if sess.Version != 1 {
		t.Errorf("version = %d, want 1", sess.Version)
	}
}

func TestCreateSessionRequiresSubject(t *testing.T) {
	ts := newTestServer(t, "")
	resp := ts.do(t, http.MethodPost, "/api/sessions", "", createSessionRequest{Slots: 2}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateSessionInvalidSlots(t *testing.T) {
	ts := newTestServer(t, "")
	resp := ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 99}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJoinAndConflicts(t *testing.T) {
	ts := newTestServer(t, "")
	var sess session.Session
	ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 1}, &sess)

	resp := ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/join", "bob", nil, &sess)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d, want 200", resp.StatusCode)
	}
	if sess.SeatOf("bob") != 0 {
		t.Errorf("bob not seated: %+v", sess.Slots)
	}

	// Seat taken; the lobby is full.
	resp = ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/join", "carol", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("full join status = %d, want 409", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/sessions/nope/join", "dave", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestSlotSettingsRoute(t *testing.T) {
	ts := newTestServer(t, "")
	var sess session.Session
	ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 2}, &sess)
	ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/join", "bob", nil, nil)

	resp := ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/slot", "bob",
		slotSettingsRequest{Team: 2, Ready: true}, &sess)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("slot status = %d, want 200", resp.StatusCode)
	}
	if got := sess.Slots[0].Settings; got.Team != 2 || !got.Ready {
		t.Errorf("settings = %+v", got)
	}

	resp = ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/slot", "ghost",
		slotSettingsRequest{Ready: true}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("unseated slot update status = %d, want 409", resp.StatusCode)
	}
}

func TestStartWithoutCapacity(t *testing.T) {
	ts := newTestServer(t, "")
	var sess session.Session
	ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 2}, &sess)
	ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/join", "bob", nil, nil)

	resp := ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", "bob", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("start status = %d, want 503", resp.StatusCode)
	}
}

func TestNodeLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, "")

	var reply map[string]string
	resp := ts.do(t, http.MethodPost, "/api/nodes", "",
		registry.Descriptor{ID: "n1", Addr: "10.0.0.1:7000", Capacity: 2}, &reply)
	if resp.StatusCode != http.StatusCreated || reply["id"] != "n1" {
		t.Fatalf("register status = %d reply = %v", resp.StatusCode, reply)
	}

	resp = ts.do(t, http.MethodPost, "/api/nodes/n1/heartbeat", "",
		registry.LoadSnapshot{CPUPercent: 40}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("heartbeat status = %d, want 204", resp.StatusCode)
	}

	// Session start binds to the node, then the node acks its way through.
	var sess session.Session
	ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 2}, &sess)
	ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/join", "bob", nil, nil)
	resp = ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/start", "bob", nil, &sess)
	if resp.StatusCode != http.StatusOK || sess.NodeID != "n1" {
		t.Fatalf("start status = %d session = %+v", resp.StatusCode, sess)
	}

	// An ack from a node the session is not bound to is rejected.
	ts.do(t, http.MethodPost, "/api/nodes", "", registry.Descriptor{ID: "n2", Capacity: 1}, nil)
	resp = ts.do(t, http.MethodPost, "/api/nodes/n2/ack", "",
		nodeAckRequest{SessionID: sess.ID, Event: "ready"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("wrong-node ack status = %d, want 409", resp.StatusCode)
	}

	for _, event := range []string{"ready", "started", "ended"} {
		resp = ts.do(t, http.MethodPost, "/api/nodes/n1/ack", "",
			nodeAckRequest{SessionID: sess.ID, Event: event}, &sess)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ack %s status = %d, want 200", event, resp.StatusCode)
		}
	}
	if sess.State != session.Ended {
		t.Errorf("state after acks = %v, want Ended", sess.State)
	}
}

func TestDuplicateNodeRegistration(t *testing.T) {
	ts := newTestServer(t, "")
	ts.do(t, http.MethodPost, "/api/nodes", "", registry.Descriptor{ID: "n1", Capacity: 1}, nil)
	resp := ts.do(t, http.MethodPost, "/api/nodes", "", registry.Descriptor{ID: "n1", Capacity: 1}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, "")
	ts.do(t, http.MethodPost, "/api/nodes", "", registry.Descriptor{ID: "n1", Capacity: 4}, nil)
	ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 2}, nil)

	var stats metrics.Stats
	resp := ts.do(t, http.MethodGet, "/api/stats", "", nil, &stats)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	if stats.SessionsCreated != 1 || stats.NodesOnline != 1 || stats.TotalCapacity != 4 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRecordsUnavailableWithoutStore(t *testing.T) {
	ts := newTestServer(t, "")
	resp := ts.do(t, http.MethodGet, "/api/records", "", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("records status = %d, want 503", resp.StatusCode)
	}
}

func TestAuthToken(t *testing.T) {
	ts := newTestServer(t, "hunter2")

	resp := ts.do(t, http.MethodGet, "/api/sessions", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	check := func(name string, decorate func(*http.Request)) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
		decorate(req)
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", name, resp.StatusCode)
		}
	}
	check("query", func(r *http.Request) {
		q := r.URL.Query()
		q.Set("token", "hunter2")
		r.URL.RawQuery = q.Encode()
	})
	check("header", func(r *http.Request) { r.Header.Set("X-Controlplane-Token", "hunter2") })
	check("bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer hunter2") })
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{session.ErrSessionNotFound, http.StatusNotFound},
		{registry.ErrNodeNotFound, http.StatusNotFound},
		{registry.ErrUnknownNode, http.StatusGone},
		{session.ErrInvalidSlotCount, http.StatusBadRequest},
		{allocator.ErrCapacityUnavailable, http.StatusServiceUnavailable},
		{session.ErrInvalidTransition, http.StatusConflict},
		{session.ErrAlreadyInSession, http.StatusConflict},
		{session.ErrWrongNode, http.StatusConflict},
		{registry.ErrDuplicateActiveNode, http.StatusConflict},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
