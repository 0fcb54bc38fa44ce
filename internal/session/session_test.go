package session

import (
	"testing"
	"time"
)

func TestValidTransition_Table(t *testing.T) {
	all := []State{StateCreated, StateStarting, StateRunning, StateCompleted, StateFailed, StateCancelled}

	legal := map[[2]State]bool{
		{StateCreated, StateStarting}:  true,
		{StateStarting, StateRunning}:  true,
		{StateStarting, StateFailed}:   true,
		{StateRunning, StateCompleted}: true,
		{StateRunning, StateFailed}:    true,
		{StateRunning, StateCancelled}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]State{from, to}]
			if got := ValidTransition(from, to); got != want {
				t.Errorf("ValidTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StateCreated, StateStarting, StateRunning} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestSession_FinishSetOnce(t *testing.T) {
	s := &Session{
		ID:        "s1",
		State:     StateRunning,
		StartTime: time.Now().UTC().Add(-2 * time.Second),
	}

	code := 0
	s.finish(&code)

	if s.EndTime == nil {
		t.Fatal("expected end time to be set")
	}
	if s.DurationMS == nil {
		t.Fatal("expected duration to be set")
	}
	if got := *s.DurationMS; got < 1900 || got > 10000 {
		t.Errorf("unexpected duration %dms", got)
	}
	wantMS := s.EndTime.Sub(s.StartTime).Milliseconds()
	if *s.DurationMS != wantMS {
		t.Errorf("duration %d != end-start %d", *s.DurationMS, wantMS)
	}

	firstEnd := *s.EndTime
	firstDur := *s.DurationMS
	other := 7
	s.finish(&other)

	if !s.EndTime.Equal(firstEnd) || *s.DurationMS != firstDur {
		t.Error("finish mutated terminal bookkeeping on second call")
	}
	if *s.ExitCode != 0 {
		t.Errorf("exit code changed to %d on second finish", *s.ExitCode)
	}
}
