package migrate

import (
	"context"
	"database/sql"
	"time"

	"member-migration-service/internal/database"
)

// LegacySource pages through the legacy table by a stable ordering. Both
// retrieval strategies are keyset-based, never OFFSET, so rows inserted or
// updated mid-run cannot shift the page window.
type LegacySource interface {
	// CountAll returns the total number of legacy rows for run accounting.
	CountAll(ctx context.Context) (int64, error)

	// FetchAfterID returns up to limit rows strictly ascending by primary
	// key, with afterID as an exclusive lower bound.
	FetchAfterID(ctx context.Context, afterID int64, limit int) ([]LegacyUser, error)

	// FetchModifiedSince returns up to limit rows ordered by
	// (updated_at, id), starting after the composite cursor (since, afterID).
	// The timestamp bound is inclusive for rows with a larger id, so a pass
	// started at (watermark, 0) re-reads rows tied with the watermark.
	FetchModifiedSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]LegacyUser, error)
}

// Reader lazily streams legacy rows, fetching one page at a time. Read
// returns nil when the source is exhausted.
type Reader struct {
	fetch    func(ctx context.Context) ([]LegacyUser, error)
	pageSize int
	buf      []LegacyUser
	pos      int
	done     bool
}

// NewBulkReader resumes primary-key-ordered reading after cursorID.
func NewBulkReader(source LegacySource, cursorID int64, pageSize int) *Reader {
	afterID := cursorID
	return &Reader{
		pageSize: pageSize,
		fetch: func(ctx context.Context) ([]LegacyUser, error) {
			page, err := source.FetchAfterID(ctx, afterID, pageSize)
			if err != nil {
				return nil, err
			}
			if len(page) > 0 {
				afterID = page[len(page)-1].ID
			}
			return page, nil
		},
	}
}

// NewIncrementalReader resumes modification-time-ordered reading from the
// watermark. Rows sharing the watermark timestamp are re-read; the idempotent
// writer makes that safe.
func NewIncrementalReader(source LegacySource, watermark time.Time, pageSize int) *Reader {
	since, afterID := watermark, int64(0)
	return &Reader{
		pageSize: pageSize,
		fetch: func(ctx context.Context) ([]LegacyUser, error) {
			page, err := source.FetchModifiedSince(ctx, since, afterID, pageSize)
			if err != nil {
				return nil, err
			}
			if len(page) > 0 {
				last := page[len(page)-1]
				since, afterID = last.UpdatedAt, last.ID
			}
			return page, nil
		},
	}
}

// Read returns the next legacy row, or nil at end-of-stream.
func (r *Reader) Read(ctx context.Context) (*LegacyUser, error) {
	if r.pos == len(r.buf) {
		if r.done {
			return nil, nil
		}
		page, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if len(page) < r.pageSize {
			r.done = true
		}
		if len(page) == 0 {
			return nil, nil
		}
		r.buf, r.pos = page, 0
	}

	row := r.buf[r.pos]
	r.pos++
	return &row, nil
}

// MySQLLegacySource reads the legacy_users table.
type MySQLLegacySource struct {
	db *database.Database
}

func NewMySQLLegacySource(db *database.Database) *MySQLLegacySource {
	return &MySQLLegacySource{db: db}
}

const legacyColumns = `id, email, phone, name, gender, provider, status, created_at, updated_at`

func (s *MySQLLegacySource) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM legacy_users`).Scan(&n)
	return n, err
}

func (s *MySQLLegacySource) FetchAfterID(ctx context.Context, afterID int64, limit int) ([]LegacyUser, error) {
	query := `SELECT ` + legacyColumns + ` FROM legacy_users WHERE id > ? ORDER BY id ASC LIMIT ?`
	rows, err := s.db.DB.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLegacyUsers(rows)
}

func (s *MySQLLegacySource) FetchModifiedSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]LegacyUser, error) {
	query := `SELECT ` + legacyColumns + ` FROM legacy_users
			  WHERE updated_at > ? OR (updated_at = ? AND id > ?)
			  ORDER BY updated_at ASC, id ASC LIMIT ?`
	rows, err := s.db.DB.QueryContext(ctx, query, since, since, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLegacyUsers(rows)
}

func scanLegacyUsers(rows *sql.Rows) ([]LegacyUser, error) {
	var users []LegacyUser
	for rows.Next() {
		var u LegacyUser
		var email, phone, name, gender, provider, status sql.NullString
		err := rows.Scan(&u.ID, &email, &phone, &name, &gender, &provider, &status, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			return nil, err
		}
		u.Email = email.String
		u.Phone = phone.String
		u.Name = name.String
		u.Gender = gender.String
		u.Provider = provider.String
		u.Status = status.String
		users = append(users, u)
	}
	return users, rows.Err()
}
