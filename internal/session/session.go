package session

import (
	"encoding/json"
	"time"
)

type State int

const (
	Created State = iota
	WaitingForPlayers
	Allocating
	Bound
	Starting
	Running
	Ended
	Aborted
)

var stateNames = map[State]string{
	Created:           "created",
	WaitingForPlayers: "waiting_for_players",
	Allocating:        "allocating",
	Bound:             "bound",
	Starting:          "starting",
	Running:           "running",
	Ended:             "ended",
	Aborted:           "aborted",
}

var stateFromName = map[string]State{
	"created":             Created,
	"waiting_for_players": WaitingForPlayers,
	"allocating":          Allocating,
	"bound":               Bound,
	"starting":            Starting,
	"running":             Running,
	"ended":               Ended,
	"aborted":             Aborted,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// ParseState returns the State with the given wire name; ok is false for
// an unrecognized name.
func ParseState(name string) (State, bool) {
	v, ok := stateFromName[name]
	return v, ok
}

func (s State) IsTerminal() bool {
	return s == Ended || s == Aborted
}

// SlotSettings are the per-slot options a seated player controls while the
// lobby is still open.
type SlotSettings struct {
	Team  int  `json:"team"`
	Color int  `json:"color"`
	Ready bool `json:"ready"`
}

// Slot is one seat in a lobby: empty, or occupied by a player identity.
type Slot struct {
	Player   string       `json:"player,omitempty"`
	Settings SlotSettings `json:"settings"`
}

func (s *Slot) Occupied() bool {
	return s.Player != ""
}

// Session is one game lobby's lifecycle record. Version increases by one on
// every mutation and is published with the event that mutation produced.
type Session struct {
	ID        string     `json:"id"`
	Creator   string     `json:"creator"`
	State     State      `json:"state"`
	Slots     []Slot     `json:"slots"`
	Tags      []string   `json:"tags,omitempty"`
	NodeID    string     `json:"nodeId,omitempty"`
	Version   uint64     `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Clone returns a deep copy of the Session, duplicating pointer and slice
// fields so the copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	c.Slots = append([]Slot(nil), s.Slots...)
	if len(s.Tags) > 0 {
		c.Tags = append([]string(nil), s.Tags...)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// SeatOf returns the slot index occupied by player, or -1.
func (s *Session) SeatOf(player string) int {
	for i := range s.Slots {
		if s.Slots[i].Player == player {
			return i
		}
	}
	return -1
}

// openSlot returns the first empty slot index, or -1 when the lobby is full.
func (s *Session) openSlot() int {
	for i := range s.Slots {
		if !s.Slots[i].Occupied() {
			return i
		}
	}
	return -1
}

// SeatedCount returns the number of occupied slots.
func (s *Session) SeatedCount() int {
	n := 0
	for i := range s.Slots {
		if s.Slots[i].Occupied() {
			n++
		}
	}
	return n
}

// TerminalRecord is what the persistence collaborator receives when a
// session reaches Ended or Aborted.
type TerminalRecord struct {
	SessionID string
	Creator   string
	State     State
	NodeID    string
	Reason    string
	Slots     []Slot
	Version   uint64
	CreatedAt time.Time
	EndedAt   time.Time
}

// Recorder durably stores terminal session outcomes. Implementations own
// their durability and retry; the orchestrator never blocks on them.
type Recorder interface {
	Record(rec TerminalRecord)
}
