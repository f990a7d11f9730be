package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no dependencies
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunRecord is one finished task execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	Finished    time.Time `json:"finished"`
	Started     time.Time `json:"started"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority"`
	Slot        string    `json:"slot,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
}
