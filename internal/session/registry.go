package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"ptywarden/internal/ptyproc"

	"github.com/google/uuid"
)

const (
	defaultScannerBufSize = 1024 * 1024 // 1 MB
	readChunkSize         = 10000
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotRunning      = errors.New("session is not running")
)

// Sink receives every output chunk a session produces. The aggregator
// implements it.
type Sink interface {
	OnChunk(sessionID, stream, text string)
	Close(sessionID string)
}

// Notifier receives lifecycle notifications for the operator channel.
type Notifier interface {
	SessionUpdated(s *Session)
	SessionEnded(s *Session)
	SessionEvicted(sessionID string)
}

// DurableLog persists session records and audit events. Failures are
// logged and swallowed; persistence is best effort.
type DurableLog interface {
	SaveSession(s *Session) error
	SaveAudit(ev Event) error
}

// Registry owns the set of live sessions and their process handles. It is
// the single source of truth for lifecycle state; other components reach
// session state only through its operations.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	procs    map[string]*ptyproc.Proc
	cancels  map[string]chan struct{}

	sink        Sink
	notify      Notifier
	dlog        DurableLog
	pollTimeout time.Duration
	maxSessions int
}

// NewRegistry creates a registry. sink, notify, and dlog must be non-nil.
func NewRegistry(sink Sink, notify Notifier, dlog DurableLog, pollTimeout time.Duration, maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		procs:       make(map[string]*ptyproc.Proc),
		cancels:     make(map[string]chan struct{}),
		sink:        sink,
		notify:      notify,
		dlog:        dlog,
		pollTimeout: pollTimeout,
		maxSessions: maxSessions,
	}
}

// Create allocates a session in CREATED with no process attached.
func (r *Registry) Create(command, cwd string, envSummary map[string]string) *Session {
	s := &Session{
		ID:         uuid.New().String(),
		Command:    command,
		Cwd:        cwd,
		EnvSummary: envSummary,
		State:      StateCreated,
		StartTime:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.persist(s)
	log.Printf("session %s: created for command %q", s.ID, command)
	return s
}

// AtCapacity reports whether the live-session limit has been reached.
func (r *Registry) AtCapacity() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := 0
	for _, s := range r.sessions {
		if !s.State.Terminal() {
			active++
		}
	}
	return active >= r.maxSessions
}

// Start spawns the session's process under a PTY and launches the output
// pumps. A spawn failure moves the session to FAILED and evicts it; the
// operator must re-issue the command, there is no retry.
func (r *Registry) Start(id string) error {
	s, err := r.Transition(id, StateStarting)
	if err != nil {
		return err
	}

	proc, err := ptyproc.Start(s.Command, s.Cwd)
	if err != nil {
		r.fail(id, nil)
		return fmt.Errorf("spawn session %s: %w", id, err)
	}

	pid := proc.Pid()
	cancel := make(chan struct{})

	r.mu.Lock()
	s.PID = &pid
	s.PTYHandle = proc.Handle()
	r.procs[id] = proc
	r.cancels[id] = cancel
	r.mu.Unlock()

	if _, err := r.Transition(id, StateRunning); err != nil {
		// The session vanished between spawn and transition.
		proc.Terminate()
		return err
	}

	go r.pump(s.ID, proc, cancel)
	go r.scanStderr(s.ID, proc)

	return nil
}

// Transition validates and applies a state move, persisting the record and
// notifying the operator channel. Terminal moves stamp end time exactly
// once. Invalid moves abort without touching registry state.
func (r *Registry) Transition(id string, to State) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if !ValidTransition(s.State, to) {
		from := s.State
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	s.State = to
	if to.Terminal() {
		s.finish(nil)
	}
	snap := *s
	r.mu.Unlock()

	r.persist(&snap)
	r.notify.SessionUpdated(&snap)
	return s, nil
}

// pump is the per-session stdout read loop: one bounded poll per iteration,
// cooperative cancellation between polls.
func (r *Registry) pump(id string, proc *ptyproc.Proc, cancel <-chan struct{}) {
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-cancel:
			r.finishPump(id, proc, true)
			return
		default:
		}

		n, err := proc.Read(buf, r.pollTimeout)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimRight(line, "\r")
				if line != "" {
					r.sink.OnChunk(id, "stdout", line)
				}
			}
		}

		switch {
		case err == nil, errors.Is(err, ptyproc.ErrTimeout):
			continue
		case errors.Is(err, io.EOF):
			r.finishPump(id, proc, false)
			return
		default:
			// Transient read failure: keep polling unless the process is gone.
			log.Printf("session %s: pty read: %v", id, err)
			if !proc.Alive() {
				r.finishPump(id, proc, false)
				return
			}
		}
	}
}

// finishPump reaps the process and settles the session's terminal state.
func (r *Registry) finishPump(id string, proc *ptyproc.Proc, cancelled bool) {
	if cancelled {
		// Cleanup guarantee for cancelled sessions.
		proc.Terminate()
	}
	code := proc.Wait()

	r.mu.RLock()
	s, ok := r.sessions[id]
	terminal := ok && s.State.Terminal()
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if !terminal {
		s.State = StateCompleted
	}
	s.finish(&code)
	snap := *s
	r.mu.Unlock()

	r.persist(&snap)
	r.notify.SessionEnded(&snap)
	r.Evict(id)
	log.Printf("session %s: ended in %s (exit %d)", id, snap.State, code)
}

// scanStderr relays the child's stderr pipe line by line.
func (r *Registry) scanStderr(id string, proc *ptyproc.Proc) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			r.sink.OnChunk(id, "stderr", line)
		}
	}
}

// fail settles a session that could not spawn or was rehydrated without a
// process: FAILED, persisted, notified, evicted.
func (r *Registry) fail(id string, exitCode *int) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.State = StateFailed
	s.finish(exitCode)
	snap := *s
	r.mu.Unlock()

	r.persist(&snap)
	r.notify.SessionEnded(&snap)
	r.Evict(id)
}

// Cancel moves a running session to CANCELLED and stops its pump on the
// next poll iteration. Idempotent for already-terminal sessions.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.State.Terminal() {
		r.mu.Unlock()
		return nil
	}
	if !ValidTransition(s.State, StateCancelled) {
		from := s.State
		r.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, StateCancelled)
	}
	s.State = StateCancelled
	s.finish(nil)
	cancel := r.cancels[id]
	snap := *s
	r.mu.Unlock()

	r.persist(&snap)
	r.notify.SessionUpdated(&snap)
	if cancel != nil {
		close(cancel)
	}
	return nil
}

// Evict removes all per-session ephemeral state. The terminal record stays
// in the durable log but the session is no longer visible to lookups.
func (r *Registry) Evict(id string) {
	r.sink.Close(id)

	r.mu.Lock()
	proc := r.procs[id]
	delete(r.sessions, id)
	delete(r.procs, id)
	delete(r.cancels, id)
	r.mu.Unlock()

	if proc != nil && proc.Alive() {
		proc.Terminate()
	}
	r.notify.SessionEvicted(id)
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// ActiveSessionIDs returns the ids of sessions a message can be routed to.
func (r *Registry) ActiveSessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.State == StateRunning || s.State == StateStarting {
			ids = append(ids, id)
		}
	}
	return ids
}

// SessionExists reports whether a live session has the given id.
func (r *Registry) SessionExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// WriteLine writes one line of input into the session's PTY.
func (r *Registry) WriteLine(id, text string) error {
	r.mu.RLock()
	proc, ok := r.procs[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	if err := proc.WriteLine(text); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	return nil
}

// ForwardInput writes operator text into the session and records the audit
// event.
func (r *Registry) ForwardInput(id, text, operatorID string) error {
	if err := r.WriteLine(id, text); err != nil {
		return err
	}
	r.audit(Event{
		Event:     "input.forwarded",
		SessionID: id,
		UserID:    operatorID,
		Timestamp: time.Now().UTC(),
		BytesLen:  len(text),
	})
	return nil
}

// Interrupt injects Ctrl+C. Best effort; failures are logged only.
func (r *Registry) Interrupt(id string) error {
	r.mu.RLock()
	proc, ok := r.procs[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	if err := proc.Interrupt(); err != nil {
		log.Printf("session %s: interrupt: %v", id, err)
	}
	return nil
}

// SendEOF injects Ctrl+D. Best effort; failures are logged only.
func (r *Registry) SendEOF(id string) error {
	r.mu.RLock()
	proc, ok := r.procs[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	if err := proc.SendEOF(); err != nil {
		log.Printf("session %s: send eof: %v", id, err)
	}
	return nil
}

// SetClaimOwner records the claiming operator on the session record.
func (r *Registry) SetClaimOwner(id, operatorID string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.ClaimOwner = operatorID
	}
	var snap Session
	if ok {
		snap = *s
	}
	r.mu.Unlock()
	if ok {
		r.persist(&snap)
	}
}

// Rehydrate settles sessions read back from the durable log. A non-terminal
// record means the previous run crashed between process exit and eviction;
// its process cannot be reattached, so the session is failed on the spot.
func (r *Registry) Rehydrate(stale []*Session) {
	for _, s := range stale {
		log.Printf("session %s: rehydrated in state %s, marking failed", s.ID, s.State)
		r.mu.Lock()
		r.sessions[s.ID] = s
		r.mu.Unlock()
		r.fail(s.ID, nil)
	}
}

// Shutdown cancels every live session and terminates its process.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Cancel(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("session %s: shutdown cancel: %v", id, err)
		}
	}
}

func (r *Registry) persist(s *Session) {
	if err := r.dlog.SaveSession(s); err != nil {
		log.Printf("session %s: persist: %v", s.ID, err)
	}
}

func (r *Registry) audit(ev Event) {
	if err := r.dlog.SaveAudit(ev); err != nil {
		log.Printf("session %s: audit: %v", ev.SessionID, err)
	}
}
