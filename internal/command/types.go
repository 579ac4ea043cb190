package command

import (
	"errors"
	"fmt"
	"time"
)

// Layer names a priority-ordered partition of command definitions.
type Layer string

const (
	LayerCore      Layer = "core"
	LayerDynamic   Layer = "dynamic"
	LayerModule    Layer = "module"
	LayerEmergency Layer = "emergency"
)

// Well-known command ids. SystemRecoveryID is the fallback invoked
// after any other command fails; it is immutable and must always
// resolve.
const (
	SystemRecoveryID = "system_recovery"
	HealthCheckID    = "health_check"
	BackupNowID      = "backup_now"
	ListCommandsID   = "list_commands"
)

// RequiredCoreIDs must all exist in the core layer for the registry to
// be considered initialized.
var RequiredCoreIDs = []string{SystemRecoveryID, HealthCheckID, BackupNowID, ListCommandsID}

var (
	ErrNotFound  = errors.New("command not found")
	ErrImmutable = errors.New("definition is immutable")
	ErrIntegrity = errors.New("integrity violation")
)

// HandlerError wraps a failure raised by an invoked handler (including
// timeouts), distinguishing it from registry-level errors.
type HandlerError struct {
	ID    string
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s failed: %v", e.ID, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// Definition describes one named operation.
type Definition struct {
	ID             string     `json:"id"`
	Action         string     `json:"action"`
	Description    string     `json:"description,omitempty"`
	HandlerRef     string     `json:"handlerRef"`
	Layer          Layer      `json:"layer"`
	Immutable      bool       `json:"immutable"`
	AddedAt        time.Time  `json:"addedAt"`
	LastRepairedAt *time.Time `json:"lastRepairedAt,omitempty"`
}

// LayerFile is the on-disk form of one command layer.
type LayerFile struct {
	Layer     Layer                 `json:"layer"`
	Commands  map[string]Definition `json:"commands"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// ArchivedDefinition preserves a removed definition with the removal
// context. Archived definitions never resolve.
type ArchivedDefinition struct {
	Definition Definition `json:"definition"`
	Reason     string     `json:"reason"`
	ArchivedAt time.Time  `json:"archivedAt"`
}

// ArchiveFile is the on-disk archive of removed dynamic definitions.
type ArchiveFile struct {
	Entries []ArchivedDefinition `json:"entries"`
}

// Stats summarizes the registry for health checks.
type Stats struct {
	PerLayer   map[Layer]int `json:"perLayer"`
	Modules    int           `json:"modules"`
	Archived   int           `json:"archived"`
	LastBackup time.Time     `json:"lastBackup"`
}

// RestoredState reports the outcome of a restore.
type RestoredState struct {
	SnapshotID string `json:"snapshotId"`
	Tier       string `json:"tier"`
	Core       int    `json:"core"`
	Dynamic    int    `json:"dynamic"`
}
