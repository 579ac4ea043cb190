package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Store is the minimal log persistence API used by the registries.
type Store interface {
	AppendExecution(ctx context.Context, e ExecutionEntry) error
	AppendError(ctx context.Context, e ErrorEntry) error
	// RecentLines returns up to n most recent serialized entries of the
	// given kind, oldest first.
	RecentLines(ctx context.Context, kind string, n int) ([]string, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log *slog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
