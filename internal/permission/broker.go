package permission

import (
	"errors"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"

	"ptywarden/internal/session"

	"github.com/google/uuid"
)

// TimeoutResolver is recorded as the resolver identity when an unresolved
// request expires and auto-resolves to its default option.
const TimeoutResolver = "timeout"

var (
	ErrUnknownRequest  = errors.New("unknown permission request")
	ErrAlreadyResolved = errors.New("permission request already resolved")
	ErrInvalidDecision = errors.New("decision code not in option set")
)

// Option is one selectable decision for a request.
type Option struct {
	Code  int    `json:"code"`
	Label string `json:"label"`
}

// DefaultOptions is the fixed option set attached to every request.
func DefaultOptions() []Option {
	return []Option{
		{Code: 1, Label: "Allow"},
		{Code: 2, Label: "Allow once"},
		{Code: 3, Label: "Deny"},
	}
}

// Request is one pending approval detected in a session's output.
// Immutable once Resolved is set.
type Request struct {
	ID           string        `json:"request_id"`
	SessionID    string        `json:"session_id"`
	Category     string        `json:"category"`
	Summary      string        `json:"summary"`
	Details      string        `json:"details,omitempty"`
	Options      []Option      `json:"options"`
	Default      int           `json:"default"`
	Timeout      time.Duration `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	Resolved     bool          `json:"resolved"`
	DecisionCode int           `json:"decision_code,omitempty"`
	DecidedBy    string        `json:"decided_by,omitempty"`
	DecidedAt    *time.Time    `json:"decided_at,omitempty"`
}

func (r *Request) validCode(code int) bool {
	for _, opt := range r.Options {
		if opt.Code == code {
			return true
		}
	}
	return false
}

// prompt is an ordered detection pattern. First match wins; the matched
// substring becomes the request summary. This is a heuristic classifier:
// both false negatives and false positives are tolerated.
type prompt struct {
	re       *regexp.Regexp
	category string
}

var prompts = []prompt{
	{regexp.MustCompile(`Allow access to ([\w\s]+)\?`), "filesystem"},
	{regexp.MustCompile(`Permission required: ([\w\s]+)`), "filesystem"},
	{regexp.MustCompile(`Read file "([^"]+)"`), "filesystem"},
	{regexp.MustCompile(`Write to file "([^"]+)"`), "filesystem"},
	{regexp.MustCompile(`Execute command ([\w\s]+)`), "filesystem"},
	{regexp.MustCompile(`Access to ([\w\s]+)`), "filesystem"},
}

// Prompter delivers a formatted approval prompt to the operator channel.
type Prompter interface {
	SendPermissionPrompt(req *Request) error
}

// InputWriter forwards a resolved decision into the originating process.
type InputWriter func(sessionID, line string) error

// AuditLog records resolution events. Best effort.
type AuditLog interface {
	SaveAudit(ev session.Event) error
}

// Broker detects approval prompts, tracks pending requests, correlates
// operator decisions, and forwards them into the session's input stream.
type Broker struct {
	mu       sync.Mutex
	requests map[string]*Request
	pending  map[string][]string // session id → request ids, FIFO
	order    []string            // global creation order of unresolved ids

	prompter Prompter
	write    InputWriter
	audit    AuditLog
	timeout  time.Duration

	done chan struct{}
	once sync.Once
}

// NewBroker creates a broker. audit may be nil.
func NewBroker(prompter Prompter, write InputWriter, audit AuditLog, timeout time.Duration) *Broker {
	return &Broker{
		requests: make(map[string]*Request),
		pending:  make(map[string][]string),
		prompter: prompter,
		write:    write,
		audit:    audit,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

// Inspect matches one stdout line against the prompt table. On the first
// match it creates a request, queues it, and sends the approval prompt.
// Non-matching lines have no effect.
func (b *Broker) Inspect(sessionID, line string) {
	for _, p := range prompts {
		m := p.re.FindString(line)
		if m == "" {
			continue
		}

		req := &Request{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Category:  p.category,
			Summary:   m,
			Options:   DefaultOptions(),
			Default:   3,
			Timeout:   b.timeout,
			CreatedAt: time.Now().UTC(),
		}

		b.mu.Lock()
		b.requests[req.ID] = req
		b.pending[sessionID] = append(b.pending[sessionID], req.ID)
		b.order = append(b.order, req.ID)
		b.mu.Unlock()

		if err := b.prompter.SendPermissionPrompt(req); err != nil {
			log.Printf("session %s: send permission prompt %s: %v", sessionID, req.ID, err)
		}
		return
	}
}

// Get returns a request by id.
func (b *Broker) Get(requestID string) (*Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[requestID]
	return req, ok
}

// Resolve applies a decision to a specific request. The decision is
// consumed even if forwarding it into the process fails.
func (b *Broker) Resolve(requestID string, code int, operatorID string) error {
	b.mu.Lock()
	req, ok := b.requests[requestID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.Resolved {
		b.mu.Unlock()
		return ErrAlreadyResolved
	}
	if !req.validCode(code) {
		b.mu.Unlock()
		return ErrInvalidDecision
	}

	now := time.Now().UTC()
	req.Resolved = true
	req.DecisionCode = code
	req.DecidedBy = operatorID
	req.DecidedAt = &now
	b.unqueueLocked(req)
	b.mu.Unlock()

	if b.audit != nil {
		err := b.audit.SaveAudit(session.Event{
			Event:     "permission.resolve",
			SessionID: req.SessionID,
			UserID:    operatorID,
			Timestamp: now,
			Details:   map[string]any{"request_id": requestID, "decision": code},
		})
		if err != nil {
			log.Printf("session %s: save audit: %v", req.SessionID, err)
		}
	}

	if err := b.write(req.SessionID, strconv.Itoa(code)); err != nil {
		// The process may already be gone. The decision stays consumed.
		log.Printf("session %s: forward decision for %s: %v", req.SessionID, requestID, err)
	}
	return nil
}

// ResolveNumeric applies a bare numeric decision to the oldest unresolved
// request whose option set contains the code, scanning in global creation
// order across sessions. With more than one pending request this is
// ambiguous by construction; first match wins, as documented.
func (b *Broker) ResolveNumeric(code int, operatorID string) (string, bool) {
	b.mu.Lock()
	var target string
	for _, id := range b.order {
		req, ok := b.requests[id]
		if !ok || req.Resolved {
			continue
		}
		if req.validCode(code) {
			target = id
			break
		}
	}
	b.mu.Unlock()

	if target == "" {
		return "", false
	}
	if err := b.Resolve(target, code, operatorID); err != nil {
		return "", false
	}
	return target, true
}

// Pending returns the unresolved request ids queued for a session, oldest
// first.
func (b *Broker) Pending(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, len(b.pending[sessionID]))
	copy(ids, b.pending[sessionID])
	return ids
}

// DropSession discards a terminated session's pending requests. Historical
// resolved requests are kept.
func (b *Broker) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range b.pending[sessionID] {
		delete(b.requests, id)
		b.removeOrderLocked(id)
	}
	delete(b.pending, sessionID)
}

// StartSweeper launches the timeout sweep. Requests unresolved past their
// timeout auto-resolve to their default option.
func (b *Broker) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				b.sweep(time.Now().UTC())
			}
		}
	}()
}

// Stop terminates the sweeper.
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.done) })
}

// sweep resolves every expired request to its default option.
func (b *Broker) sweep(now time.Time) {
	b.mu.Lock()
	var expired []*Request
	for _, id := range b.order {
		req, ok := b.requests[id]
		if !ok || req.Resolved || req.Timeout <= 0 {
			continue
		}
		if now.Sub(req.CreatedAt) >= req.Timeout {
			expired = append(expired, req)
		}
	}
	b.mu.Unlock()

	for _, req := range expired {
		if err := b.Resolve(req.ID, req.Default, TimeoutResolver); err == nil {
			log.Printf("session %s: permission request %s timed out, defaulted to %d",
				req.SessionID, req.ID, req.Default)
		}
	}
}

// unqueueLocked removes a resolved request from its session FIFO and from
// the global order. Caller holds b.mu.
func (b *Broker) unqueueLocked(req *Request) {
	queue := b.pending[req.SessionID]
	for i, id := range queue {
		if id == req.ID {
			b.pending[req.SessionID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	b.removeOrderLocked(req.ID)
}

func (b *Broker) removeOrderLocked(requestID string) {
	for i, id := range b.order {
		if id == requestID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

