// Package audit records every detected change and its terminal outcome as
// one structured line per event, consumed by external log aggregation.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// Entry is one terminal audit record.
type Entry struct {
	Timestamp    time.Time `json:"ts"`
	Key          string    `json:"key"`
	AttemptID    string    `json:"attempt_id"`
	Outcome      string    `json:"outcome"`
	Strategy     string    `json:"strategy,omitempty"`
	Generation   uint64    `json:"generation,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Reason       string    `json:"reason,omitempty"`
	HealthDetail string    `json:"health_detail,omitempty"`
	OperatorFlag bool      `json:"operator_attention,omitempty"`
}

// Log appends entries to a JSON-lines file and mirrors them to the
// structured logger.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger pslog.Logger
}

// Open creates or appends to the audit log at path. An empty path disables
// the file sink; entries still reach the logger.
func Open(path string, logger pslog.Logger) (*Log, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	l := &Log{logger: logger.With("subsystem", "audit")}
	if path == "" {
		return l, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	l.file = f
	l.enc = json.NewEncoder(f)
	return l, nil
}

// Append records one terminal entry. Failures to persist are surfaced to the
// logger but never fail the reload attempt itself.
func (l *Log) Append(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := []any{
		"key", entry.Key,
		"attempt_id", entry.AttemptID,
		"outcome", entry.Outcome,
		"duration_ms", entry.DurationMS,
	}
	if entry.Reason != "" {
		fields = append(fields, "reason", entry.Reason)
	}
	switch entry.Outcome {
	case "committed":
		l.logger.Info("audit.attempt", fields...)
	default:
		l.logger.Warn("audit.attempt", fields...)
	}
	if l.enc == nil {
		return
	}
	if err := l.enc.Encode(entry); err != nil {
		l.logger.Error("audit.append_failed", "error", err)
	}
}

// Close releases the file sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.enc = nil
	return err
}
