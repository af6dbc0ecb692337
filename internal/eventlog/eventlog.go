// Package eventlog appends structured usage events (server_start, server_stop,
// player_join, player_leave, unauthorized_login) to a daily JSON-Lines file.
// It never holds a file handle open across a date change — the handle is
// opened lazily and swapped when the local date rolls over.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one append-only log line. Not every field applies to every Kind;
// unused fields are simply omitted from the encoded line.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Kind         string    `json:"event_kind"`
	ExternalPort int       `json:"external_port"`
	ServerName   string    `json:"server_name,omitempty"`
	PlayerName   string    `json:"player_name,omitempty"`
	ActiveCount  *int      `json:"active_count,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Kinds of events the gateway records.
const (
	KindServerStart       = "server_start"
	KindServerStop        = "server_stop"
	KindPlayerJoin        = "player_join"
	KindPlayerLeave       = "player_leave"
	KindUnauthorizedLogin = "unauthorized_login"
)

// Log writes Events to dir/usage-<YYYY-MM-DD>.log, opening a fresh file
// handle whenever the local date rolls over. Only one file handle is held at
// a time; it is never cached across a date boundary.
type Log struct {
	dir string

	mu          sync.Mutex
	currentDate string
	file        *os.File
}

// New returns a Log writing under dir, creating it if necessary.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir %q: %w", dir, err)
	}
	return &Log{dir: dir}, nil
}

// Append writes one event as a single JSON line. Write failures are logged
// by the caller if desired but otherwise swallowed: a broken usage log must
// never take down connection handling.
func (l *Log) Append(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFileLocked(event.Timestamp); err != nil {
		return err
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	return nil
}

// Close releases the current file handle, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ensureFileLocked opens today's file if the date has rolled over since the
// last write, closing yesterday's handle first. Must be called with mu held.
func (l *Log) ensureFileLocked(at time.Time) error {
	date := at.Local().Format("2006-01-02")
	if date == l.currentDate && l.file != nil {
		return nil
	}

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}

	path := filepath.Join(l.dir, "usage-"+date+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open %q: %w", path, err)
	}

	l.file = file
	l.currentDate = date
	return nil
}
