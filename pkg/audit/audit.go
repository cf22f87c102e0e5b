// Package audit provides the append-only auth log consumed by operators and
// abuse tooling.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ucphhpc/accountd/pkg/logger"
)

// Outcome values for audit records.
const (
	OutcomeOK    = "ok"
	OutcomeDeny  = "deny"
	OutcomeError = "error"
)

// Record is a single auth attempt or account mutation entry.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Protocol       string    `json:"protocol"`
	OpName         string    `json:"op_name"`
	UserID         string    `json:"user_id"`
	SourceAddr     string    `json:"source_addr"`
	SourcePort     int       `json:"source_port,omitempty"`
	Outcome        string    `json:"outcome"`
	RateLimited    bool      `json:"rate_limited,omitempty"`
	SecretAccepted bool      `json:"secret_accepted,omitempty"`
	ModifyFlag     bool      `json:"modify_flag,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// Log appends records to a single file as JSON lines. Writes use O_APPEND so
// concurrent workers interleave whole lines.
type Log struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewLog returns a Log appending to path. now may be nil for wall clock.
func NewLog(path string, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{path: path, now: now}
}

// Append writes record to the log. A missing ID or timestamp is filled in.
func (l *Log) Append(record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = l.now()
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit log dir: %w", err)
	}
	fd, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer fd.Close()
	if _, err := fd.Write(line); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// MustAppend logs a failed append instead of propagating it. Audit failures
// must never abort the request that triggered them.
func (l *Log) MustAppend(record Record) {
	if err := l.Append(record); err != nil {
		logger.Errorf("audit append failed: %v", err)
	}
}

// ReadAll returns every record in the log, oldest first. Intended for tests
// and offline tooling, not the request path.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	var records []Record
	decoder := json.NewDecoder(bytes.NewReader(raw))
	for decoder.More() {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			return records, fmt.Errorf("failed to parse audit log: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}
