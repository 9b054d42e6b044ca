package workbench

import (
	"encoding/json"
	"sync"
	"time"
)

// Direction tells whether a logged protocol message left the client or arrived
// from the server.
type Direction string

// Message directions.
const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// LoggedMessage is one protocol message captured for diagnostics.
type LoggedMessage struct {
	Time      time.Time
	Direction Direction
	// Method is the request/notification method, or the correlated request's
	// method for responses when known.
	Method  string
	Payload json.RawMessage
}

// DefaultMessageLogCapacity bounds the message log when no explicit capacity
// is configured.
const DefaultMessageLogCapacity = 256

// MessageLog is an append-only ring buffer of sent and received protocol
// messages. The client is its sole writer; once the buffer is full the oldest
// entry is overwritten. Entries returns a point-in-time copy, so readers never
// block the request path.
type MessageLog struct {
	mu      sync.Mutex
	entries []LoggedMessage
	next    int
	full    bool
}

// NewMessageLog creates a message log holding at most capacity entries. A
// non-positive capacity falls back to DefaultMessageLogCapacity.
func NewMessageLog(capacity int) *MessageLog {
	if capacity <= 0 {
		capacity = DefaultMessageLogCapacity
	}
	return &MessageLog{
		entries: make([]LoggedMessage, capacity),
	}
}

// Record appends an entry, evicting the oldest one when the log is full.
func (l *MessageLog) Record(direction Direction, method string, payload json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = LoggedMessage{
		Time:      time.Now(),
		Direction: direction,
		Method:    method,
		Payload:   payload,
	}
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// Entries returns the logged messages from oldest to newest.
func (l *MessageLog) Entries() []LoggedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]LoggedMessage, l.next)
		copy(out, l.entries[:l.next])
		return out
	}

	out := make([]LoggedMessage, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len returns the number of entries currently held.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Clear drops all entries.
func (l *MessageLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
	l.full = false
}
