package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the execution/error log store.
//
// Driver values:
//   - "file": append-only JSON Lines under Dir (default)
//   - "sqlite": SQLite database file at Path
//
// If Driver is "none", the store is disabled and appends are dropped.
type Config struct {
	Driver      string
	Dir         string // file driver: directory for *.log files
	Path        string // sqlite driver: database file
	BusyTimeout time.Duration
}

// Log kinds accepted by RecentLines.
const (
	KindExecutions = "executions"
	KindErrors     = "errors"
)

// ExecutionEntry records one command invocation.
// Keep it compact and schema-stable.
type ExecutionEntry struct {
	At      time.Time
	ReqID   string
	Command string
	Layer   string
	Params  string // serialized parameters, may be empty
	OK      bool
	Error   string
	TookMS  int64
}

// ErrorEntry records a component failure outside command execution.
type ErrorEntry struct {
	At        time.Time
	Component string
	Message   string
	Detail    string
}
