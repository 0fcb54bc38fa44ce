package router

import (
	"errors"
	"sync"

	"ptywarden/internal/protocol"
)

var (
	ErrNoActiveSessions = errors.New("no active sessions")
	ErrAmbiguousRoute   = errors.New("multiple active sessions, specify or claim one")
	ErrSessionNotFound  = errors.New("session not found")
)

// Directory is the registry view the router needs: which sessions exist
// and which are active.
type Directory interface {
	ActiveSessionIDs() []string
	SessionExists(id string) bool
}

// Router decides which session an inbound free-form operator message
// targets. Priority: reply-to binding, then the operator's claim, then
// auto-route when exactly one session is active.
type Router struct {
	mu     sync.Mutex
	claims map[string]string // operator id → session id
	dir    Directory
}

// New creates a router over the given session directory.
func New(dir Directory) *Router {
	return &Router{
		claims: make(map[string]string),
		dir:    dir,
	}
}

// Route resolves the target session for an operator's text. replyToText is
// the content of the message being replied to, or empty.
func (r *Router) Route(operatorID, replyToText string) (string, error) {
	if sid := protocol.ExtractSessionID(replyToText); sid != "" {
		if r.dir.SessionExists(sid) {
			return sid, nil
		}
		return "", ErrSessionNotFound
	}

	if sid, ok := r.ClaimedBy(operatorID); ok && r.dir.SessionExists(sid) {
		return sid, nil
	}

	active := r.dir.ActiveSessionIDs()
	switch len(active) {
	case 1:
		return active[0], nil
	case 0:
		return "", ErrNoActiveSessions
	default:
		return "", ErrAmbiguousRoute
	}
}

// Claim binds an operator to a session. A new claim silently overwrites the
// operator's previous one; each operator has at most one claim.
func (r *Router) Claim(operatorID, sessionID string) error {
	if !r.dir.SessionExists(sessionID) {
		return ErrSessionNotFound
	}
	r.mu.Lock()
	// A session has at most one active claimant; a new claim displaces any
	// other operator's hold on it.
	for op, sid := range r.claims {
		if sid == sessionID && op != operatorID {
			delete(r.claims, op)
		}
	}
	r.claims[operatorID] = sessionID
	r.mu.Unlock()
	return nil
}

// Release drops the operator's claim, returning the session it pointed at.
func (r *Router) Release(operatorID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.claims[operatorID]
	if ok {
		delete(r.claims, operatorID)
	}
	return sid, ok
}

// ClaimedBy returns the operator's claimed session, if any.
func (r *Router) ClaimedBy(operatorID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.claims[operatorID]
	return sid, ok
}

// Disclaim removes every claim pointing at an evicted session.
func (r *Router) Disclaim(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, sid := range r.claims {
		if sid == sessionID {
			delete(r.claims, op)
		}
	}
}
