package server

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hostforge/controlplane/internal/broadcast"
	"github.com/hostforge/controlplane/internal/session"
)

func dialWS(t *testing.T, ts *testServer, target string, since uint64) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/ws?target=%s&since=%d", target, since)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) broadcast.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev broadcast.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	return ev
}

func TestStreamDeliversSessionEvents(t *testing.T) {
	ts := newTestServer(t, "")
	var sess session.Session
	ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 2}, &sess)

	conn := dialWS(t, ts, "session:"+sess.ID, sess.Version)
	ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/join", "bob", nil, nil)

	ev := readEvent(t, conn)
	if ev.Type != broadcast.EventPlayerJoined {
		t.Errorf("event type = %s, want %s", ev.Type, broadcast.EventPlayerJoined)
	}
	if ev.Version != sess.Version+1 {
		t.Errorf("event version = %d, want %d", ev.Version, sess.Version+1)
	}
}

func TestStreamReplayOnReconnect(t *testing.T) {
	ts := newTestServer(t, "")
	var sess session.Session
	ts.do(t, http.MethodPost, "/api/sessions", "alice", createSessionRequest{Slots: 3}, &sess)
	ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/join", "bob", nil, nil)   // version 2
	ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/join", "carol", nil, nil) // version 3

	// A client that saw only version 1 reconnects and is caught up.
	conn := dialWS(t, ts, "session:"+sess.ID, 1)
	for _, want := range []uint64{2, 3} {
		ev := readEvent(t, conn)
		if ev.Version != want {
			t.Fatalf("replayed version = %d, want %d", ev.Version, want)
		}
	}
}

func TestStreamInvalidTarget(t *testing.T) {
	ts := newTestServer(t, "")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?target=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial with invalid target succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("response = %+v, want 400", resp)
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	ts := newTestServer(t, "hunter2")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?target=session:s1"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("unauthenticated dial succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response status, want 401")
	}

	if _, _, err := websocket.DefaultDialer.Dial(wsURL+"&token=hunter2", nil); err != nil {
		t.Errorf("authenticated dial: %v", err)
	}
}
