package registry

import (
	"encoding/json"
	"time"
)

type Liveness int

const (
	Online Liveness = iota
	Suspect
	Offline
)

var livenessNames = map[Liveness]string{
	Online:  "online",
	Suspect: "suspect",
	Offline: "offline",
}

var livenessFromName = map[string]Liveness{
	"online":  Online,
	"suspect": Suspect,
	"offline": Offline,
}

func (l Liveness) String() string {
	if s, ok := livenessNames[l]; ok {
		return s
	}
	return "unknown"
}

func (l Liveness) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Liveness) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := livenessFromName[s]; ok {
		*l = v
	}
	return nil
}

// Descriptor is what a hosting node declares about itself when registering.
type Descriptor struct {
	ID       string   `json:"id,omitempty"`
	Addr     string   `json:"addr"`
	Capacity int      `json:"capacity"`
	Version  string   `json:"version,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// LoadSnapshot is the load figure a node reports with each heartbeat.
// The registry records it as-is; scheduling decisions use the registry's
// own reserved counter, not these self-reported numbers.
type LoadSnapshot struct {
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryPercent  float64 `json:"memoryPercent"`
	ActiveSessions int     `json:"activeSessions"`
}

// NodeState is a point-in-time copy of one node's registry entry.
type NodeState struct {
	ID            string       `json:"id"`
	Addr          string       `json:"addr"`
	Capacity      int          `json:"capacity"`
	Reserved      int          `json:"reserved"`
	Liveness      Liveness     `json:"liveness"`
	Tags          []string     `json:"tags,omitempty"`
	Version       string       `json:"version,omitempty"`
	Load          LoadSnapshot `json:"load"`
	RegisteredAt  time.Time    `json:"registeredAt"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

// Available returns the capacity not yet held by a reservation.
func (n *NodeState) Available() int {
	return n.Capacity - n.Reserved
}

// LoadFraction returns reserved/capacity in [0,1]; a zero-capacity node
// counts as fully loaded.
func (n *NodeState) LoadFraction() float64 {
	if n.Capacity <= 0 {
		return 1.0
	}
	return float64(n.Reserved) / float64(n.Capacity)
}

// HasTags reports whether the node carries every tag in want.
func (n *NodeState) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, tag := range n.Tags {
			if tag == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the NodeState, duplicating slice fields so
// the copy can be mutated independently of the original.
func (n *NodeState) Clone() *NodeState {
	c := *n
	if len(n.Tags) > 0 {
		c.Tags = append([]string(nil), n.Tags...)
	}
	return &c
}
