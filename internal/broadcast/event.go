package broadcast

import "time"

// EventType names the state change an event carries.
type EventType string

const (
	EventSnapshot         EventType = "snapshot" // full current state, used for replay catch-up
	EventSessionCreated   EventType = "session_created"
	EventPlayerJoined     EventType = "player_joined"
	EventPlayerLeft       EventType = "player_left"
	EventSlotUpdated      EventType = "slot_updated"
	EventAllocating       EventType = "allocating"
	EventAllocationFailed EventType = "allocation_failed"
	EventSessionBound     EventType = "session_bound"
	EventSessionStarting  EventType = "session_starting"
	EventSessionRunning   EventType = "session_running"
	EventSessionEnded     EventType = "session_ended"
	EventSessionAborted   EventType = "session_aborted"
	EventNodeOnline       EventType = "node_online"
	EventNodeSuspect      EventType = "node_suspect"
	EventNodeOffline      EventType = "node_offline"
)

// Event is one state-change notification for a target. Version orders
// events within a target; subscribers use it to detect gaps.
type Event struct {
	Target  string    `json:"target"`
	Type    EventType `json:"type"`
	Version uint64    `json:"version"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// SessionTarget returns the event target key for a session.
func SessionTarget(id string) string { return "session:" + id }

// NodeTarget returns the event target key for a node.
func NodeTarget(id string) string { return "node:" + id }
