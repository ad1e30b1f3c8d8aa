package audit

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("audit disabled")

// Config configures the audit log.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", auditing is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one job that reached a terminal state.
// Keep it compact and schema-stable.
type Entry struct {
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id"`
	Target   string    `json:"target"`
	Kind     string    `json:"kind"`
	Outcome  string    `json:"outcome"` // "sent", "failed", "dropped"
	EventID  string    `json:"event_id,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}
