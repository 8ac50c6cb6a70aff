package checkpoint

import (
	"database/sql"
	"errors"
	"time"
)

type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

type SyncMode string

const (
	ModeBulk        SyncMode = "BULK"
	ModeIncremental SyncMode = "INCREMENTAL"
)

var (
	// ErrAlreadyRunning is returned when a run is triggered for a domain whose
	// checkpoint is RUNNING. The RUNNING flag is the cross-process mutex.
	ErrAlreadyRunning = errors.New("a run is already in progress for this domain")

	// ErrAlreadyIncremental is returned when switching a domain that is
	// already in incremental mode.
	ErrAlreadyIncremental = errors.New("domain is already in incremental mode")

	// ErrInvalidTransition covers mode switches and resets attempted mid-run.
	ErrInvalidTransition = errors.New("invalid checkpoint transition")

	// ErrNotIncremental is returned when an incremental pass is triggered for
	// a domain still in bulk mode.
	ErrNotIncremental = errors.New("domain is not in incremental mode")

	// ErrNotFound is returned for operations on a domain with no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")
)

// Checkpoint is the durable progress record for one migration domain. The
// cursors (LastMigratedID, LastSyncedAt) only reflect fully committed chunks,
// so a FAILED run is always safe to resume.
type Checkpoint struct {
	DomainName       string         `db:"domain_name"`
	Status           Status         `db:"status"`
	SyncMode         SyncMode       `db:"sync_mode"`
	LastMigratedID   int64          `db:"last_migrated_id"`
	LastSyncedAt     sql.NullTime   `db:"last_synced_at"`
	MigratedCount    int64          `db:"migrated_count"`
	SkippedCount     int64          `db:"skipped_count"`
	FailedCount      int64          `db:"failed_count"`
	LegacyTotalCount int64          `db:"legacy_total_count"`
	LastBatchSize    int64          `db:"last_batch_size"`
	LastExecutedAt   sql.NullTime   `db:"last_executed_at"`
	LastCompletedAt  sql.NullTime   `db:"last_completed_at"`
	ExecutionTimeMs  int64          `db:"execution_time_ms"`
	ErrorMessage     sql.NullString `db:"error_message"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// Progress reports migration completion as a percentage. A domain with no
// known legacy rows counts as fully migrated.
func (c *Checkpoint) Progress() float64 {
	if c.LegacyTotalCount == 0 {
		return 100
	}
	return float64(c.MigratedCount) / float64(c.LegacyTotalCount) * 100
}
