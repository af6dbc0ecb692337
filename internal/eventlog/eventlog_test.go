package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendWritesOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Close()

	if err := log.Append(Event{Kind: KindServerStart, ExternalPort: 25565, ServerName: "s1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	count := 1
	if err := log.Append(Event{Kind: KindPlayerJoin, ExternalPort: 25565, ServerName: "s1", PlayerName: "neo", ActiveCount: &count}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(dir, "usage-"+time.Now().Local().Format("2006-01-02")+".log")
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Kind != KindServerStart || first.ServerName != "s1" || first.ExternalPort != 25565 {
		t.Fatalf("first event = %+v", first)
	}

	var second Event
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if second.Kind != KindPlayerJoin || second.PlayerName != "neo" || second.ActiveCount == nil || *second.ActiveCount != 1 {
		t.Fatalf("second event = %+v", second)
	}
}

func TestAppendRollsOverOnDateChange(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Close()

	yesterday := time.Now().Add(-24 * time.Hour)
	if err := log.Append(Event{Timestamp: yesterday, Kind: KindServerStart, ServerName: "s1"}); err != nil {
		t.Fatalf("Append (yesterday): %v", err)
	}
	if err := log.Append(Event{Kind: KindServerStart, ServerName: "s1"}); err != nil {
		t.Fatalf("Append (today): %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d files, want 2 (one per date)", len(entries))
	}
}
