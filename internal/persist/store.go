// Package persist durably records terminal session outcomes in sqlite.
// Writes are fire-and-forget from the orchestrator's point of view: records
// go through a buffered channel to a single writer goroutine, and the core
// never blocks on the database.
package persist

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hostforge/controlplane/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_records (
	session_id TEXT PRIMARY KEY,
	creator    TEXT NOT NULL,
	state      TEXT NOT NULL,
	node_id    TEXT,
	reason     TEXT,
	slots      TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP NOT NULL
);
`

const queueSize = 256

type Store struct {
	db      *sql.DB
	records chan session.TerminalRecord
	done    chan struct{}

	mu          sync.Mutex
	dropped     int64
	lastDropLog time.Time
}

// Open creates or opens the record database at path and starts the writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{
		db:      db,
		records: make(chan session.TerminalRecord, queueSize),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Record queues a terminal record for writing. When the queue is full the
// record is dropped; durability of history is best-effort by design and
// must never stall session teardown.
func (s *Store) Record(rec session.TerminalRecord) {
	select {
	case s.records <- rec:
	default:
		s.mu.Lock()
		s.dropped++
		now := time.Now()
		if s.lastDropLog.IsZero() || now.Sub(s.lastDropLog) >= 10*time.Second {
			log.Printf("persist: records dropped: %d (queue full)", s.dropped)
			s.dropped = 0
			s.lastDropLog = now
		}
		s.mu.Unlock()
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for rec := range s.records {
		if err := s.insert(rec); err != nil {
			log.Printf("persist: writing record for session %s: %v", rec.SessionID, err)
		}
	}
}

func (s *Store) insert(rec session.TerminalRecord) error {
	slots, err := json.Marshal(rec.Slots)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO session_records
		 (session_id, creator, state, node_id, reason, slots, version, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Creator, rec.State.String(), rec.NodeID, rec.Reason,
		string(slots), rec.Version, rec.CreatedAt, rec.EndedAt,
	)
	return err
}

// Recent returns up to limit records, most recently ended first.
func (s *Store) Recent(limit int) ([]session.TerminalRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, creator, state, node_id, reason, slots, version, created_at, ended_at
		 FROM session_records ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.TerminalRecord
	for rows.Next() {
		var rec session.TerminalRecord
		var state, slots string
		if err := rows.Scan(&rec.SessionID, &rec.Creator, &state, &rec.NodeID, &rec.Reason,
			&slots, &rec.Version, &rec.CreatedAt, &rec.EndedAt); err != nil {
			return nil, err
		}
		if st, ok := session.ParseState(state); ok {
			rec.State = st
		}
		if err := json.Unmarshal([]byte(slots), &rec.Slots); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close drains the queue, stops the writer and closes the database.
func (s *Store) Close() error {
	close(s.records)
	<-s.done
	return s.db.Close()
}
