package checkpoint

import (
	"context"
	"time"
)

// Store is the durable source of truth for per-domain migration progress.
// StartRun, SwitchToIncremental and Reset must be atomic conditional updates
// so that two concurrent triggers cannot both succeed.
type Store interface {
	// FindByDomain returns the checkpoint for a domain, or nil if absent.
	FindByDomain(ctx context.Context, domain string) (*Checkpoint, error)

	// StartRun flips the checkpoint to RUNNING, recording the legacy row
	// count and trigger time. Returns ErrAlreadyRunning if a live run holds
	// the domain. Creates the checkpoint on first use.
	StartRun(ctx context.Context, domain string, legacyTotal int64) error

	// CompleteRun flips RUNNING to COMPLETED and records timing.
	CompleteRun(ctx context.Context, domain string, execTime time.Duration) error

	// FailRun flips RUNNING to FAILED and records the first failure cause.
	FailRun(ctx context.Context, domain string, errMsg string) error

	// AdvanceBulk commits bulk-mode progress after a chunk: moves the primary
	// key cursor forward and accumulates counters. Called mid-run so a crash
	// loses at most one in-flight chunk.
	AdvanceBulk(ctx context.Context, domain string, lastID int64, applied, skipped, failed int64) error

	// AdvanceIncremental commits incremental-mode progress after a chunk:
	// advances the watermark to max(current, watermark) and accumulates
	// counters.
	AdvanceIncremental(ctx context.Context, domain string, watermark time.Time, applied, skipped, failed int64) error

	// SwitchToIncremental flips a non-running BULK domain to INCREMENTAL.
	// Returns ErrAlreadyRunning mid-run, ErrAlreadyIncremental if flipped
	// before. Reverting to bulk is not supported.
	SwitchToIncremental(ctx context.Context, domain string) error

	// Reset clears cursors and counters back to NOT_STARTED for a full
	// re-run. Returns ErrAlreadyRunning mid-run. The sync mode is preserved.
	Reset(ctx context.Context, domain string) error

	Close() error
}
