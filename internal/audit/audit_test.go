package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entries := []Entry{
		{
			Timestamp:  time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
			Key:        "cert-bundle/example.com",
			AttemptID:  "at1",
			Outcome:    "committed",
			Strategy:   "graceful-process",
			Generation: 3,
			DurationMS: 1200,
		},
		{
			Timestamp:    time.Date(2026, 2, 1, 12, 5, 0, 0, time.UTC),
			Key:          "credential-map/mail",
			AttemptID:    "at2",
			Outcome:      "rolled_back",
			Strategy:     "dual-daemon",
			Reason:       "health check failed: imap probe",
			OperatorFlag: true,
		},
	}
	for _, e := range entries {
		log.Append(e)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var got []Entry
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", len(got)+1, err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if got[0].Key != "cert-bundle/example.com" || got[0].Outcome != "committed" || got[0].Generation != 3 {
		t.Fatalf("unexpected first entry %+v", got[0])
	}
	if !got[1].OperatorFlag || got[1].Reason == "" {
		t.Fatalf("unexpected second entry %+v", got[1])
	}
}

func TestAppendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	for i := 0; i < 2; i++ {
		log, err := Open(path, nil)
		if err != nil {
			t.Fatal(err)
		}
		log.Append(Entry{Key: "credential-map/mail", Outcome: "aborted"})
		log.Close()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected appended log with 2 lines, got %d", lines)
	}
}

func TestEmptyPathDisablesFileSink(t *testing.T) {
	log, err := Open("", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	log.Append(Entry{Key: "cert-bundle/example.com", Outcome: "committed"})
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
