package proto

import "time"

// EventType names a step in a session's life.
type EventType string

const (
	EventConnect   EventType = "connect"
	EventPow       EventType = "pow"
	EventThrottled EventType = "throttled"
	EventClose     EventType = "close"
)

// Event is one audit record about a session. It is published as JSON.
type Event struct {
	Type     EventType `json:"type"`
	Session  string    `json:"session"`
	Remote   string    `json:"remote,omitempty"`
	Time     time.Time `json:"time"`
	Result   string    `json:"result,omitempty"` // PoW result or relay outcome
	Bits     int       `json:"bits,omitempty"`   // measured PoW zero bits
	Error    string    `json:"error,omitempty"`
	Duration float64   `json:"duration_seconds,omitempty"`
}
