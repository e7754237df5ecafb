package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/hostforge/controlplane/internal/broadcast"
)

// handleWS upgrades the connection into one event-stream subscription.
// Query parameters: target=session:<id>|node:<id>, since=<last delivered
// version>. Events arrive as JSON in strictly increasing version order;
// a reconnecting subscriber passes its last version and is caught up
// before live delivery begins.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	target := r.URL.Query().Get("target")
	if !strings.HasPrefix(target, "session:") && !strings.HasPrefix(target, "node:") {
		http.Error(w, "invalid target", http.StatusBadRequest)
		return
	}
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since version", http.StatusBadRequest)
			return
		}
		since = n
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	who := subject(r)
	if who == "" {
		who = r.RemoteAddr
	}
	sub := s.broadcaster.Subscribe(who, target, since)
	log.Printf("subscriber %s connected to %s (since version %d)", who, target, since)

	go s.writePump(conn, sub)

	go func() {
		defer func() {
			s.broadcaster.Unsubscribe(sub)
			conn.Close()
			log.Printf("subscriber %s disconnected from %s", who, target)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	defer conn.Close()
	for ev := range sub.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
