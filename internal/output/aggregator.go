package output

import (
	"log"
	"regexp"
	"strings"
	"sync"
	"time"
)

// truncationMarker fits inside the 10 characters reserved at the cap so a
// truncated message never exceeds the configured maximum.
const truncationMarker = " [TRUNC]"

// ansiEscape matches terminal control sequences stripped from relayed output.
var ansiEscape = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// Sender delivers a relayed chunk to the operator channel.
type Sender interface {
	SendOutput(sessionID, stream, text string) error
}

// Detector is run on every stdout line before it is buffered, so a
// permission prompt is both relayed and acted on.
type Detector func(sessionID, line string)

// Aggregator batches per-session stdout into debounced flushes and passes
// stderr straight through. One buffer and at most one armed timer exist per
// live session.
type Aggregator struct {
	mu      sync.Mutex
	buffers map[string][]string
	timers  map[string]*time.Timer

	sender    Sender
	detect    Detector
	history   *History
	stripANSI bool
	maxChars  int
	debounce  time.Duration
}

// New creates an aggregator. detect may be nil.
func New(sender Sender, detect Detector, history *History, stripANSI bool, maxChars int, debounce time.Duration) *Aggregator {
	return &Aggregator{
		buffers:   make(map[string][]string),
		timers:    make(map[string]*time.Timer),
		sender:    sender,
		detect:    detect,
		history:   history,
		stripANSI: stripANSI,
		maxChars:  maxChars,
		debounce:  debounce,
	}
}

// OnChunk ingests one line of process output. Stdout restarts the debounce
// window; stderr bypasses batching entirely.
func (a *Aggregator) OnChunk(sessionID, stream, text string) {
	if a.stripANSI {
		text = ansiEscape.ReplaceAllString(text, "")
	}

	if stream == "stdout" && a.detect != nil {
		a.detect(sessionID, text)
	}

	if stream == "stderr" {
		a.deliver(sessionID, "stderr", text)
		return
	}

	a.mu.Lock()
	a.buffers[sessionID] = append(a.buffers[sessionID], text)
	if t, ok := a.timers[sessionID]; ok {
		t.Stop()
	}
	a.timers[sessionID] = time.AfterFunc(a.debounce, func() {
		a.Flush(sessionID)
	})
	a.mu.Unlock()
}

// Flush joins the session's buffered chunks and sends them as one message.
// An empty buffer is a silent no-op.
func (a *Aggregator) Flush(sessionID string) {
	a.mu.Lock()
	chunks := a.buffers[sessionID]
	a.buffers[sessionID] = nil
	if t, ok := a.timers[sessionID]; ok {
		t.Stop()
		delete(a.timers, sessionID)
	}
	a.mu.Unlock()

	if len(chunks) == 0 {
		return
	}

	a.deliver(sessionID, "stdout", strings.Join(chunks, "\n"))
}

// Close flushes any remaining output and drops the session's buffer state.
func (a *Aggregator) Close(sessionID string) {
	a.Flush(sessionID)

	a.mu.Lock()
	delete(a.buffers, sessionID)
	delete(a.timers, sessionID)
	a.mu.Unlock()
}

func (a *Aggregator) deliver(sessionID, stream, text string) {
	text = Truncate(text, a.maxChars)

	if a.history != nil {
		a.history.Record(sessionID, stream, text)
	}

	if err := a.sender.SendOutput(sessionID, stream, text); err != nil {
		// No retry: the next flush carries newer content anyway.
		log.Printf("session %s: deliver %s output: %v", sessionID, stream, err)
	}
}

// Truncate caps text at max characters, replacing the tail with an explicit
// marker so the operator knows output was cut rather than lost. The cut sits
// on a rune boundary so truncation never produces invalid UTF-8.
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := max - 10
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + truncationMarker
}
