package output

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type capture struct {
	mu   sync.Mutex
	sent []Relayed
}

func (c *capture) SendOutput(sessionID, stream, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Relayed{SessionID: sessionID, Stream: stream, Text: text})
	return nil
}

func (c *capture) all() []Relayed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Relayed(nil), c.sent...)
}

func (c *capture) waitFor(t *testing.T, n int) []Relayed {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if got := c.all(); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, have %v", n, c.all())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAggregator_DebounceCoalesces(t *testing.T) {
	sink := &capture{}
	a := New(sink, nil, nil, true, 3500, 50*time.Millisecond)

	a.OnChunk("s1", "stdout", "line one")
	a.OnChunk("s1", "stdout", "line two")
	a.OnChunk("s1", "stdout", "line three")

	got := sink.waitFor(t, 1)
	if len(got) != 1 {
		t.Fatalf("expected a single coalesced message, got %d", len(got))
	}
	if got[0].Text != "line one\nline two\nline three" {
		t.Errorf("unexpected coalesced text %q", got[0].Text)
	}
	if got[0].Stream != "stdout" {
		t.Errorf("unexpected stream %q", got[0].Stream)
	}
}

func TestAggregator_QuietGapSplitsMessages(t *testing.T) {
	sink := &capture{}
	a := New(sink, nil, nil, true, 3500, 30*time.Millisecond)

	a.OnChunk("s1", "stdout", "first burst")
	sink.waitFor(t, 1)
	a.OnChunk("s1", "stdout", "second burst")
	got := sink.waitFor(t, 2)

	if got[0].Text != "first burst" || got[1].Text != "second burst" {
		t.Errorf("expected two separate flushes, got %v", got)
	}
}

func TestAggregator_StderrBypassesDebounce(t *testing.T) {
	sink := &capture{}
	a := New(sink, nil, nil, true, 3500, time.Hour)

	a.OnChunk("s1", "stdout", "buffered")
	a.OnChunk("s1", "stderr", "boom")

	got := sink.all()
	if len(got) != 1 || got[0].Stream != "stderr" || got[0].Text != "boom" {
		t.Fatalf("expected immediate stderr delivery, got %v", got)
	}
}

func TestAggregator_CloseFlushesRemainder(t *testing.T) {
	sink := &capture{}
	a := New(sink, nil, nil, true, 3500, time.Hour)

	a.OnChunk("s1", "stdout", "tail output")
	a.Close("s1")

	got := sink.all()
	if len(got) != 1 || got[0].Text != "tail output" {
		t.Fatalf("expected close to flush the buffer, got %v", got)
	}

	// Closing again with nothing buffered sends nothing.
	a.Close("s1")
	if len(sink.all()) != 1 {
		t.Error("close of an empty session should not emit")
	}
}

func TestAggregator_FlushEmptyIsNoOp(t *testing.T) {
	sink := &capture{}
	a := New(sink, nil, nil, true, 3500, time.Hour)

	a.Flush("never-seen")
	if len(sink.all()) != 0 {
		t.Error("flushing an empty buffer should not emit")
	}
}

func TestAggregator_StripsANSI(t *testing.T) {
	sink := &capture{}
	a := New(sink, nil, nil, true, 3500, time.Hour)

	a.OnChunk("s1", "stderr", "\x1b[31mred\x1b[0m text")
	got := sink.all()
	if len(got) != 1 || got[0].Text != "red text" {
		t.Fatalf("expected escape sequences stripped, got %v", got)
	}
}

func TestAggregator_DetectorSeesEveryStdoutLine(t *testing.T) {
	sink := &capture{}
	var mu sync.Mutex
	var seen []string
	det := func(sessionID, line string) {
		mu.Lock()
		seen = append(seen, line)
		mu.Unlock()
	}
	a := New(sink, det, nil, true, 3500, time.Hour)

	a.OnChunk("s1", "stdout", "one")
	a.OnChunk("s1", "stdout", "two")
	a.OnChunk("s1", "stderr", "nope")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "one" || seen[1] != "two" {
		t.Errorf("detector should see stdout lines only, got %v", seen)
	}
}

func TestAggregator_RecordsHistory(t *testing.T) {
	sink := &capture{}
	h := NewHistory(8)
	a := New(sink, nil, h, true, 3500, time.Hour)

	a.OnChunk("s1", "stderr", "kept")
	recent := h.Recent("s1")
	if len(recent) != 1 || recent[0].Text != "kept" {
		t.Errorf("expected delivery recorded in history, got %v", recent)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 3500); got != "short" {
		t.Errorf("text under the cap must pass through, got %q", got)
	}

	long := strings.Repeat("x", 5000)
	got := Truncate(long, 3500)
	if len(got) > 3500 {
		t.Errorf("truncated length %d exceeds cap", len(got))
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("expected truncation marker suffix, got ...%q", got[len(got)-20:])
	}
	if !strings.HasPrefix(got, "xxxx") {
		t.Errorf("expected original prefix preserved")
	}

	if got := Truncate(long, 0); got != long {
		t.Errorf("non-positive cap disables truncation")
	}
}

func TestTruncate_MultibyteBoundary(t *testing.T) {
	// Every rune is 3 bytes, so a byte-indexed cut would split one.
	long := strings.Repeat("工", 200)
	got := Truncate(long, 100)

	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n > 100 {
		t.Errorf("truncated length %d runes exceeds cap", n)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("expected truncation marker suffix, got %q", got)
	}
	if !strings.HasPrefix(got, "工工") {
		t.Error("expected original prefix preserved")
	}
}
