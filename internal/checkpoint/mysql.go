package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"member-migration-service/internal/config"
	"member-migration-service/internal/logger"
)

const schema = `CREATE TABLE IF NOT EXISTS migration_checkpoints (
	domain_name        VARCHAR(64) PRIMARY KEY,
	status             VARCHAR(16) NOT NULL DEFAULT 'NOT_STARTED',
	sync_mode          VARCHAR(16) NOT NULL DEFAULT 'BULK',
	last_migrated_id   BIGINT NOT NULL DEFAULT 0,
	last_synced_at     DATETIME(3) NULL,
	migrated_count     BIGINT NOT NULL DEFAULT 0,
	skipped_count      BIGINT NOT NULL DEFAULT 0,
	failed_count       BIGINT NOT NULL DEFAULT 0,
	legacy_total_count BIGINT NOT NULL DEFAULT 0,
	last_batch_size    BIGINT NOT NULL DEFAULT 0,
	last_executed_at   DATETIME(3) NULL,
	last_completed_at  DATETIME(3) NULL,
	execution_time_ms  BIGINT NOT NULL DEFAULT 0,
	error_message      TEXT NULL,
	updated_at         DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3)
)`

// MySQLStore persists checkpoints in MySQL. All state transitions are single
// conditional UPDATEs so the RUNNING flag acts as a cross-process mutex.
type MySQLStore struct {
	db         *sql.DB
	staleAfter time.Duration
}

func NewMySQLStore(cfg config.StateStorage, staleAfter time.Duration) (*MySQLStore, error) {
	// clientFoundRows makes RowsAffected count matched rows, so a
	// conditional update that matches but changes nothing (resetting an
	// already-clean checkpoint) is not mistaken for a rejected transition.
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&clientFoundRows=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	// Retry loop for Ping
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for checkpoint DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to ping mysql after retries: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to ensure checkpoint table: %w", err)
	}

	return &MySQLStore{db: db, staleAfter: staleAfter}, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

const checkpointColumns = `domain_name, status, sync_mode, last_migrated_id, last_synced_at,
	migrated_count, skipped_count, failed_count, legacy_total_count, last_batch_size,
	last_executed_at, last_completed_at, execution_time_ms, error_message, updated_at`

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	err := row.Scan(
		&cp.DomainName,
		&cp.Status,
		&cp.SyncMode,
		&cp.LastMigratedID,
		&cp.LastSyncedAt,
		&cp.MigratedCount,
		&cp.SkippedCount,
		&cp.FailedCount,
		&cp.LegacyTotalCount,
		&cp.LastBatchSize,
		&cp.LastExecutedAt,
		&cp.LastCompletedAt,
		&cp.ExecutionTimeMs,
		&cp.ErrorMessage,
		&cp.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *MySQLStore) FindByDomain(ctx context.Context, domain string) (*Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM migration_checkpoints WHERE domain_name = ?`
	return scanCheckpoint(s.db.QueryRowContext(ctx, query, domain))
}

func (s *MySQLStore) StartRun(ctx context.Context, domain string, legacyTotal int64) error {
	insert := `INSERT IGNORE INTO migration_checkpoints (domain_name) VALUES (?)`
	if _, err := s.db.ExecContext(ctx, insert, domain); err != nil {
		return err
	}

	// Conditional update closes the race between two concurrent triggers. A
	// RUNNING row whose last trigger is older than staleAfter is treated as
	// abandoned by a crashed process and may be taken over.
	query := `UPDATE migration_checkpoints
			  SET status = 'RUNNING', legacy_total_count = ?, last_executed_at = NOW(3), error_message = NULL
			  WHERE domain_name = ?
			    AND (status <> 'RUNNING' OR (? > 0 AND last_executed_at < NOW(3) - INTERVAL ? SECOND))`

	staleSecs := int64(s.staleAfter / time.Second)
	res, err := s.db.ExecContext(ctx, query, legacyTotal, domain, staleSecs, staleSecs)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyRunning
	}
	return nil
}

func (s *MySQLStore) CompleteRun(ctx context.Context, domain string, execTime time.Duration) error {
	query := `UPDATE migration_checkpoints
			  SET status = 'COMPLETED', last_completed_at = NOW(3), execution_time_ms = ?
			  WHERE domain_name = ? AND status = 'RUNNING'`

	_, err := s.db.ExecContext(ctx, query, execTime.Milliseconds(), domain)
	return err
}

func (s *MySQLStore) FailRun(ctx context.Context, domain string, errMsg string) error {
	query := `UPDATE migration_checkpoints
			  SET status = 'FAILED', error_message = ?
			  WHERE domain_name = ? AND status = 'RUNNING'`

	_, err := s.db.ExecContext(ctx, query, errMsg, domain)
	return err
}

func (s *MySQLStore) AdvanceBulk(ctx context.Context, domain string, lastID int64, applied, skipped, failed int64) error {
	// GREATEST keeps the cursor monotonic even if an advance is replayed.
	query := `UPDATE migration_checkpoints
			  SET last_migrated_id = GREATEST(last_migrated_id, ?),
			      migrated_count = migrated_count + ?,
			      skipped_count = skipped_count + ?,
			      failed_count = failed_count + ?,
			      last_batch_size = ?
			  WHERE domain_name = ?`

	_, err := s.db.ExecContext(ctx, query, lastID, applied, skipped, failed, applied+skipped+failed, domain)
	return err
}

func (s *MySQLStore) AdvanceIncremental(ctx context.Context, domain string, watermark time.Time, applied, skipped, failed int64) error {
	query := `UPDATE migration_checkpoints
			  SET last_synced_at = GREATEST(COALESCE(last_synced_at, FROM_UNIXTIME(0)), ?),
			      migrated_count = migrated_count + ?,
			      skipped_count = skipped_count + ?,
			      failed_count = failed_count + ?,
			      last_batch_size = ?
			  WHERE domain_name = ?`

	_, err := s.db.ExecContext(ctx, query, watermark, applied, skipped, failed, applied+skipped+failed, domain)
	return err
}

func (s *MySQLStore) SwitchToIncremental(ctx context.Context, domain string) error {
	query := `UPDATE migration_checkpoints
			  SET sync_mode = 'INCREMENTAL'
			  WHERE domain_name = ? AND status <> 'RUNNING' AND sync_mode = 'BULK'`

	res, err := s.db.ExecContext(ctx, query, domain)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.transitionError(ctx, domain, ErrAlreadyIncremental)
	}
	return nil
}

func (s *MySQLStore) Reset(ctx context.Context, domain string) error {
	query := `UPDATE migration_checkpoints
			  SET status = 'NOT_STARTED', last_migrated_id = 0, last_synced_at = NULL,
			      migrated_count = 0, skipped_count = 0, failed_count = 0,
			      legacy_total_count = 0, last_batch_size = 0, last_completed_at = NULL,
			      execution_time_ms = 0, error_message = NULL
			  WHERE domain_name = ? AND status <> 'RUNNING'`

	res, err := s.db.ExecContext(ctx, query, domain)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.transitionError(ctx, domain, ErrInvalidTransition)
	}
	return nil
}

// transitionError looks up the row to explain why a conditional update
// matched nothing.
func (s *MySQLStore) transitionError(ctx context.Context, domain string, fallback error) error {
	cp, err := s.FindByDomain(ctx, domain)
	if err != nil {
		return err
	}
	if cp == nil {
		return ErrNotFound
	}
	if cp.Status == StatusRunning {
		return ErrAlreadyRunning
	}
	return fallback
}
