package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ptywarden/internal/session"
)

// maxRecordBytes bounds a single JSONL line on read.
const maxRecordBytes = 4 * 1024 * 1024

// Log is the append-only durable log: one JSON record per line, sessions
// and audit events in separate files. Writes are best effort; the in-memory
// registry never depends on them for correctness.
type Log struct {
	mu           sync.Mutex
	sessionsPath string
	auditPath    string
}

// Open prepares the storage directory and returns the log.
func Open(rootDir string) (*Log, error) {
	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Log{
		sessionsPath: filepath.Join(rootDir, "sessions.jsonl"),
		auditPath:    filepath.Join(rootDir, "audit.jsonl"),
	}, nil
}

// SaveSession appends the session's current state as one record.
func (l *Log) SaveSession(s *session.Session) error {
	return l.appendRecord(l.sessionsPath, s)
}

// SaveAudit appends one audit event.
func (l *Log) SaveAudit(ev session.Event) error {
	return l.appendRecord(l.auditPath, ev)
}

func (l *Log) appendRecord(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadSessions replays the session log and returns the latest record per
// session id for every session that is not in a terminal state. Terminal
// records are historical only.
func (l *Log) LoadSessions() ([]*session.Session, error) {
	f, err := os.Open(l.sessionsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open sessions log: %w", err)
	}
	defer f.Close()

	latest := make(map[string]*session.Session)
	var order []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var s session.Session
		if err := json.Unmarshal(line, &s); err != nil {
			// A torn tail line from a crash is expected; skip it.
			continue
		}
		if s.ID == "" {
			continue
		}
		if _, seen := latest[s.ID]; !seen {
			order = append(order, s.ID)
		}
		latest[s.ID] = &s
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions log: %w", err)
	}

	var live []*session.Session
	for _, id := range order {
		if !latest[id].State.Terminal() {
			live = append(live, latest[id])
		}
	}
	return live, nil
}

// CountAuditEvents returns the number of audit records on disk. Used only
// for informational replay at cold start.
func (l *Log) CountAuditEvents() (int, error) {
	f, err := os.Open(l.auditPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("scan audit log: %w", err)
	}
	return count, nil
}
