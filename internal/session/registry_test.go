package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu     sync.Mutex
	chunks []string // "stream:text"
	closed []string
}

func (f *fakeSink) OnChunk(sessionID, stream, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, stream+":"+text)
}

func (f *fakeSink) Close(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeSink) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chunks...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	ended   chan *Session
	evicted []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ended: make(chan *Session, 16)}
}

func (f *fakeNotifier) SessionUpdated(s *Session) {}

func (f *fakeNotifier) SessionEnded(s *Session) { f.ended <- s }

func (f *fakeNotifier) SessionEvicted(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, id)
}

type fakeLog struct {
	mu       sync.Mutex
	sessions []Session
	events   []Event
}

func (f *fakeLog) SaveSession(s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, *s)
	return nil
}

func (f *fakeLog) SaveAudit(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func newTestRegistry() (*Registry, *fakeSink, *fakeNotifier, *fakeLog) {
	sink := &fakeSink{}
	notify := newFakeNotifier()
	dlog := &fakeLog{}
	return NewRegistry(sink, notify, dlog, 50*time.Millisecond, 10), sink, notify, dlog
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r, _, _, dlog := newTestRegistry()

	s := r.Create("echo hi", "/tmp", nil)
	if s.State != StateCreated {
		t.Errorf("expected CREATED, got %s", s.State)
	}
	if s.ID == "" {
		t.Error("expected a session id")
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Command != "echo hi" {
		t.Errorf("unexpected command %q", got.Command)
	}

	dlog.mu.Lock()
	n := len(dlog.sessions)
	dlog.mu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 persisted record, got %d", n)
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r, _, _, _ := newTestRegistry()
	if _, err := r.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := r.Cancel("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound from Cancel, got %v", err)
	}
	if err := r.WriteLine("nope", "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound from WriteLine, got %v", err)
	}
}

func TestRegistry_StartUnknownSession(t *testing.T) {
	r, _, _, _ := newTestRegistry()
	if err := r.Start("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistry_AtCapacity(t *testing.T) {
	sink := &fakeSink{}
	r := NewRegistry(sink, newFakeNotifier(), &fakeLog{}, 50*time.Millisecond, 2)

	r.Create("sleep 1", "", nil)
	if r.AtCapacity() {
		t.Error("not at capacity after one session")
	}
	r.Create("sleep 1", "", nil)
	if !r.AtCapacity() {
		t.Error("expected capacity reached at limit")
	}
}

func TestRegistry_EchoEndToEnd(t *testing.T) {
	r, sink, notify, _ := newTestRegistry()

	s := r.Create("echo hello-world", "", nil)
	if err := r.Start(s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var ended *Session
	select {
	case ended = <-notify.ended:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for session end")
	}

	if ended.State != StateCompleted {
		t.Errorf("expected COMPLETED, got %s", ended.State)
	}
	if ended.ExitCode == nil || *ended.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", ended.ExitCode)
	}
	if ended.EndTime == nil || ended.DurationMS == nil {
		t.Error("expected end time and duration to be stamped")
	}

	found := false
	for _, line := range sink.lines() {
		if strings.Contains(line, "stdout:") && strings.Contains(line, "hello-world") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected echoed output in sink, got %v", sink.lines())
	}

	// The session is gone after eviction.
	deadline := time.After(2 * time.Second)
	for r.SessionExists(s.ID) {
		select {
		case <-deadline:
			t.Fatal("session still visible after end")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistry_StderrRelayed(t *testing.T) {
	r, sink, notify, _ := newTestRegistry()

	s := r.Create("echo oops 1>&2", "", nil)
	if err := r.Start(s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-notify.ended:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for session end")
	}

	// Stderr scanning races the end notification by a goroutine, give it a beat.
	deadline := time.After(2 * time.Second)
	for {
		for _, line := range sink.lines() {
			if line == "stderr:oops" {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("expected stderr chunk, got %v", sink.lines())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistry_SpawnFailure(t *testing.T) {
	r, _, notify, _ := newTestRegistry()

	s := r.Create("true", "/nonexistent-dir-for-test", nil)
	err := r.Start(s.ID)
	if err == nil {
		t.Fatal("expected spawn error")
	}

	select {
	case ended := <-notify.ended:
		if ended.State != StateFailed {
			t.Errorf("expected FAILED, got %s", ended.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected end notification for failed spawn")
	}

	if r.SessionExists(s.ID) {
		t.Error("failed session should be evicted")
	}
}

func TestRegistry_CancelRunning(t *testing.T) {
	r, _, notify, _ := newTestRegistry()

	s := r.Create("sleep 30", "", nil)
	if err := r.Start(s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := r.Cancel(s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case ended := <-notify.ended:
		if ended.State != StateCancelled {
			t.Errorf("expected CANCELLED, got %s", ended.State)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for cancelled session to settle")
	}
}

func TestRegistry_WriteLineRoundTrip(t *testing.T) {
	r, sink, notify, dlog := newTestRegistry()

	s := r.Create("cat", "", nil)
	if err := r.Start(s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := r.ForwardInput(s.ID, "ping", "op-1"); err != nil {
		t.Fatalf("ForwardInput: %v", err)
	}

	deadline := time.After(5 * time.Second)
	found := false
	for !found {
		for _, line := range sink.lines() {
			if strings.Contains(line, "ping") {
				found = true
			}
		}
		if !found {
			select {
			case <-deadline:
				t.Fatalf("expected echoed input, got %v", sink.lines())
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	dlog.mu.Lock()
	var audited bool
	for _, ev := range dlog.events {
		if ev.Event == "input.forwarded" && ev.SessionID == s.ID && ev.BytesLen == len("ping") {
			audited = true
		}
	}
	dlog.mu.Unlock()
	if !audited {
		t.Error("expected input.forwarded audit event")
	}

	if err := r.SendEOF(s.ID); err != nil {
		t.Fatalf("SendEOF: %v", err)
	}

	select {
	case ended := <-notify.ended:
		if ended.State != StateCompleted {
			t.Errorf("expected COMPLETED, got %s", ended.State)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for cat to exit after EOF")
	}
}

func TestRegistry_RehydrateFailsStale(t *testing.T) {
	r, _, notify, dlog := newTestRegistry()

	stale := &Session{
		ID:        "stale-1",
		Command:   "sleep 99",
		State:     StateRunning,
		StartTime: time.Now().UTC().Add(-time.Hour),
	}
	r.Rehydrate([]*Session{stale})

	select {
	case ended := <-notify.ended:
		if ended.ID != "stale-1" || ended.State != StateFailed {
			t.Errorf("expected stale-1 FAILED, got %s %s", ended.ID, ended.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected end notification for rehydrated session")
	}

	if r.SessionExists("stale-1") {
		t.Error("rehydrated session should be evicted")
	}

	dlog.mu.Lock()
	defer dlog.mu.Unlock()
	last := dlog.sessions[len(dlog.sessions)-1]
	if last.State != StateFailed || last.EndTime == nil {
		t.Errorf("expected persisted terminal record, got %+v", last)
	}
}
