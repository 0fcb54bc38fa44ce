package output

import (
	"sync"
	"time"
)

// Relayed is one message that was delivered to the operator channel.
type Relayed struct {
	SessionID string    `json:"sessionId"`
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// History keeps a fixed-capacity ring of relayed messages per session so an
// operator connecting mid-session can catch up on recent output.
type History struct {
	mu       sync.RWMutex
	rings    map[string]*ring
	capacity int
}

type ring struct {
	buf  []Relayed
	pos  int
	full bool
}

// NewHistory creates a history with the given per-session ring capacity.
func NewHistory(capacity int) *History {
	return &History{
		rings:    make(map[string]*ring),
		capacity: capacity,
	}
}

// Record appends a relayed message to the session's ring.
func (h *History) Record(sessionID, stream, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[sessionID]
	if !ok {
		r = &ring{buf: make([]Relayed, h.capacity)}
		h.rings[sessionID] = r
	}

	r.buf[r.pos] = Relayed{
		SessionID: sessionID,
		Stream:    stream,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	r.pos = (r.pos + 1) % h.capacity
	if r.pos == 0 {
		r.full = true
	}
}

// Recent returns the session's relayed messages in chronological order.
func (h *History) Recent(sessionID string) []Relayed {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rings[sessionID]
	if !ok {
		return nil
	}

	if !r.full {
		result := make([]Relayed, r.pos)
		copy(result, r.buf[:r.pos])
		return result
	}

	result := make([]Relayed, h.capacity)
	copy(result, r.buf[r.pos:])
	copy(result[h.capacity-r.pos:], r.buf[:r.pos])
	return result
}

// Drop discards a terminated session's ring.
func (h *History) Drop(sessionID string) {
	h.mu.Lock()
	delete(h.rings, sessionID)
	h.mu.Unlock()
}
