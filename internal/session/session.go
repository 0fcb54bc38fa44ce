package session

import (
	"errors"
	"time"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateCreated   State = "CREATED"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// ErrInvalidTransition is returned for a state move outside the lifecycle
// graph. It indicates a protocol defect, not an operational condition.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the complete lifecycle graph. Anything not listed is rejected.
var transitions = map[State][]State{
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateCompleted, StateFailed, StateCancelled},
}

// ValidTransition reports whether moving from one state to another is a
// legal lifecycle edge.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session holds metadata and state for a single supervised PTY process.
type Session struct {
	ID         string            `json:"session_id"`
	Command    string            `json:"command"`
	Cwd        string            `json:"cwd"`
	EnvSummary map[string]string `json:"env_summary,omitempty"`
	State      State             `json:"state"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	DurationMS *int64            `json:"duration_ms,omitempty"`
	PID        *int              `json:"pid,omitempty"`
	PTYHandle  string            `json:"pty_handle,omitempty"`
	ClaimOwner string            `json:"active_claim_owner,omitempty"`
}

// finish stamps end time and duration. It is a no-op if already stamped, so
// terminal bookkeeping is set exactly once.
func (s *Session) finish(exitCode *int) {
	if s.EndTime != nil {
		return
	}
	now := time.Now().UTC()
	s.EndTime = &now
	ms := now.Sub(s.StartTime).Milliseconds()
	s.DurationMS = &ms
	if exitCode != nil {
		s.ExitCode = exitCode
	}
}

// Event is a single append-only audit record.
type Event struct {
	Event     string         `json:"event"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Timestamp time.Time      `json:"timestamp"`
	BytesLen  int            `json:"bytes_len"`
	Details   map[string]any `json:"details,omitempty"`
}
