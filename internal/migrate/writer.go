package migrate

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"member-migration-service/internal/checkpoint"
	"member-migration-service/internal/database"
	"member-migration-service/internal/logger"
)

// ErrRecordRejected marks a write failure caused by the record itself rather
// than the infrastructure. It is counted against the skip budget instead of
// aborting the chunk.
var ErrRecordRejected = errors.New("record rejected by target store")

// TargetStore applies members to the target schema. Writes bypass
// application-level validation on purpose: legacy rows may violate rules the
// domain enforces on its ordinary creation paths, and the transformer is the
// only gate.
type TargetStore interface {
	// InTx runs fn inside one transaction; the chunk is the unit of commit.
	InTx(ctx context.Context, fn func(tx TargetTx) error) error
}

type TargetTx interface {
	ExistsByLegacyID(ctx context.Context, legacyID int64) (bool, error)
	Insert(ctx context.Context, m *Member) error
	Upsert(ctx context.Context, m *Member) error
}

// ChunkRecord pairs a legacy row with its transform outcome. Member is nil
// when transformation failed; Err carries the reason.
type ChunkRecord struct {
	Legacy LegacyUser
	Member *Member
	Err    error
}

// Writer applies one chunk at a time and commits checkpoint progress after
// each successful chunk. Re-applying a chunk is always safe: bulk writes
// de-duplicate on the legacy natural key, incremental writes upsert on it.
type Writer struct {
	target TargetStore
	store  checkpoint.Store
	domain string
}

func NewWriter(target TargetStore, store checkpoint.Store, domain string) *Writer {
	return &Writer{target: target, store: store, domain: domain}
}

// WriteBulkChunk inserts records absent from the target, skips those already
// present, then advances the primary key cursor past the whole chunk. The
// cursor moves past skipped and failed rows too; their counts are the durable
// trace that they were seen.
func (w *Writer) WriteBulkChunk(ctx context.Context, chunk []ChunkRecord) (*ChunkResult, error) {
	result := &ChunkResult{}

	err := w.target.InTx(ctx, func(tx TargetTx) error {
		for _, rec := range chunk {
			if rec.Err != nil {
				result.add(RecordResult{LegacyID: rec.Legacy.ID, Outcome: OutcomeSkipped, Err: rec.Err})
				logger.Log.Warn("Skipping untransformable record",
					zap.Int64("legacyID", rec.Legacy.ID), zap.Error(rec.Err))
				continue
			}

			exists, err := tx.ExistsByLegacyID(ctx, rec.Legacy.ID)
			if err != nil {
				return err
			}
			if exists {
				result.add(RecordResult{LegacyID: rec.Legacy.ID, Outcome: OutcomeAlreadyPresent})
				logger.Log.Debug("Record already migrated", zap.Int64("legacyID", rec.Legacy.ID))
				continue
			}

			if err := tx.Insert(ctx, rec.Member); err != nil {
				if !isRecordLevel(err) {
					return err
				}
				result.add(RecordResult{LegacyID: rec.Legacy.ID, Outcome: OutcomeFailed, Err: err})
				logger.Log.Warn("Record write failed",
					zap.Int64("legacyID", rec.Legacy.ID), zap.Error(err))
				continue
			}
			result.add(RecordResult{LegacyID: rec.Legacy.ID, Outcome: OutcomeApplied})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.LastID = chunk[len(chunk)-1].Legacy.ID
	// Already-present detections are still skips in the durable accounting;
	// only the in-run skip budget treats them differently.
	if err := w.store.AdvanceBulk(ctx, w.domain, result.LastID, result.Applied, result.Skipped+result.AlreadyPresent, result.Failed); err != nil {
		return nil, err
	}
	return result, nil
}

// WriteIncrementalChunk upserts every record and advances the watermark to
// the chunk's maximum modification timestamp. The watermark moves regardless
// of per-record outcomes so one bad row cannot stall sync progress.
func (w *Writer) WriteIncrementalChunk(ctx context.Context, chunk []ChunkRecord) (*ChunkResult, error) {
	result := &ChunkResult{}

	err := w.target.InTx(ctx, func(tx TargetTx) error {
		for _, rec := range chunk {
			if rec.Err != nil {
				result.add(RecordResult{LegacyID: rec.Legacy.ID, Outcome: OutcomeSkipped, Err: rec.Err})
				logger.Log.Warn("Skipping untransformable record",
					zap.Int64("legacyID", rec.Legacy.ID), zap.Error(rec.Err))
				continue
			}

			if err := tx.Upsert(ctx, rec.Member); err != nil {
				if !isRecordLevel(err) {
					return err
				}
				result.add(RecordResult{LegacyID: rec.Legacy.ID, Outcome: OutcomeFailed, Err: err})
				logger.Log.Warn("Record write failed",
					zap.Int64("legacyID", rec.Legacy.ID), zap.Error(err))
				continue
			}
			result.add(RecordResult{LegacyID: rec.Legacy.ID, Outcome: OutcomeApplied})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, rec := range chunk {
		if rec.Legacy.UpdatedAt.After(result.MaxUpdatedAt) {
			result.MaxUpdatedAt = rec.Legacy.UpdatedAt
		}
	}
	if err := w.store.AdvanceIncremental(ctx, w.domain, result.MaxUpdatedAt, result.Applied, result.Skipped, result.Failed); err != nil {
		return nil, err
	}
	return result, nil
}

// isRecordLevel separates data problems (counted, tolerated) from
// infrastructure failures (propagated, retried at chunk level). MySQL server
// errors carry a code and mean the statement reached the server; anything
// else is treated as infrastructure.
func isRecordLevel(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return true
	}
	return errors.Is(err, ErrRecordRejected)
}

// MySQLTargetStore writes the members table.
type MySQLTargetStore struct {
	db *database.Database
}

func NewMySQLTargetStore(db *database.Database) *MySQLTargetStore {
	return &MySQLTargetStore{db: db}
}

func (s *MySQLTargetStore) InTx(ctx context.Context, fn func(tx TargetTx) error) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return fn(&mysqlTargetTx{tx: tx})
	})
}

type mysqlTargetTx struct {
	tx *sql.Tx
}

func (t *mysqlTargetTx) ExistsByLegacyID(ctx context.Context, legacyID int64) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx,
		`SELECT 1 FROM members WHERE legacy_user_id = ? LIMIT 1`, legacyID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *mysqlTargetTx) Insert(ctx context.Context, m *Member) error {
	query := `INSERT INTO members (id, legacy_user_id, email, phone, name, gender, provider, status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, query,
		m.ID, m.LegacyUserID, m.Email, m.Phone, m.Name, m.Gender, m.Provider, m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

// Upsert keys on the unique legacy_user_id index. The surrogate id of an
// existing row is kept; the permanent legacy link is never rewritten.
func (t *mysqlTargetTx) Upsert(ctx context.Context, m *Member) error {
	query := `INSERT INTO members (id, legacy_user_id, email, phone, name, gender, provider, status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  email = VALUES(email),
			  phone = VALUES(phone),
			  name = VALUES(name),
			  gender = VALUES(gender),
			  provider = VALUES(provider),
			  status = VALUES(status),
			  updated_at = VALUES(updated_at)`
	_, err := t.tx.ExecContext(ctx, query,
		m.ID, m.LegacyUserID, m.Email, m.Phone, m.Name, m.Gender, m.Provider, m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}
