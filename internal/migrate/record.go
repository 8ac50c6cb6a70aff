package migrate

import (
	"fmt"
	"time"
)

// LegacyUser is one row of the legacy source table, untouched. The primary
// key doubles as the natural key carried onto the target entity.
type LegacyUser struct {
	ID        int64
	Email     string
	Phone     string
	Name      string
	Gender    string
	Provider  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Member is the transformed target entity. LegacyUserID is the idempotency
// key: existence checks and upserts go through it, never through ID, so the
// surrogate key may be regenerated freely on re-attempts.
type Member struct {
	ID           string
	LegacyUserID int64
	Email        string
	Phone        string
	Name         string
	Gender       string
	Provider     string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Outcome int

const (
	// OutcomeApplied means the record was inserted or upserted.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped means the record was rejected by transformation and
	// left alone. Counts against the run's skip budget.
	OutcomeSkipped
	// OutcomeAlreadyPresent means the target already holds the record's
	// legacy key. Expected on every resume over committed work, so it is
	// accounted as a skip but never burns the skip budget.
	OutcomeAlreadyPresent
	// OutcomeFailed means a record-level write error (bad data) was caught.
	OutcomeFailed
)

// RecordResult is the per-record outcome inside a chunk. Collecting these
// instead of scattering try/catch keeps skip accounting in one place.
type RecordResult struct {
	LegacyID int64
	Outcome  Outcome
	Err      error
}

// ChunkResult aggregates one committed chunk. LastID and MaxUpdatedAt feed
// the bulk cursor and the incremental watermark respectively.
type ChunkResult struct {
	Applied        int64
	Skipped        int64
	AlreadyPresent int64
	Failed         int64
	LastID         int64
	MaxUpdatedAt   time.Time
	Records        []RecordResult
}

func (r *ChunkResult) add(res RecordResult) {
	switch res.Outcome {
	case OutcomeApplied:
		r.Applied++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeAlreadyPresent:
		r.AlreadyPresent++
	case OutcomeFailed:
		r.Failed++
	}
	r.Records = append(r.Records, res)
}

func (r *ChunkResult) Size() int64 {
	return r.Applied + r.Skipped + r.AlreadyPresent + r.Failed
}

// TransformError marks a record that could not be coerced into a valid
// target shape. It is a record-level skip, never fatal to the chunk.
type TransformError struct {
	LegacyID int64
	Field    string
	Reason   string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("cannot transform legacy user %d: %s (%s)", e.LegacyID, e.Field, e.Reason)
}
