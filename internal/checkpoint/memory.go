package checkpoint

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process memory. It implements the same
// compare-and-swap transition semantics as the MySQL store and backs the
// "memory" state_storage type for local development and tests. It does not
// survive restarts, so it must not be used where the single-writer guarantee
// has to hold across processes.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
	staleAfter  time.Duration
	now         func() time.Time
}

func NewMemoryStore(staleAfter time.Duration) *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) FindByDomain(ctx context.Context, domain string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[domain]
	if !ok {
		return nil, nil
	}
	snapshot := *cp
	return &snapshot, nil
}

func (s *MemoryStore) StartRun(ctx context.Context, domain string, legacyTotal int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[domain]
	if !ok {
		cp = &Checkpoint{DomainName: domain, Status: StatusNotStarted, SyncMode: ModeBulk}
		s.checkpoints[domain] = cp
	}

	if cp.Status == StatusRunning {
		stale := s.staleAfter > 0 && cp.LastExecutedAt.Valid &&
			s.now().Sub(cp.LastExecutedAt.Time) > s.staleAfter
		if !stale {
			return ErrAlreadyRunning
		}
	}

	cp.Status = StatusRunning
	cp.LegacyTotalCount = legacyTotal
	cp.LastExecutedAt = sql.NullTime{Time: s.now(), Valid: true}
	cp.ErrorMessage = sql.NullString{}
	cp.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CompleteRun(ctx context.Context, domain string, execTime time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[domain]
	if !ok || cp.Status != StatusRunning {
		return nil
	}
	cp.Status = StatusCompleted
	cp.LastCompletedAt = sql.NullTime{Time: s.now(), Valid: true}
	cp.ExecutionTimeMs = execTime.Milliseconds()
	cp.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) FailRun(ctx context.Context, domain string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[domain]
	if !ok || cp.Status != StatusRunning {
		return nil
	}
	cp.Status = StatusFailed
	cp.ErrorMessage = sql.NullString{String: errMsg, Valid: true}
	cp.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AdvanceBulk(ctx context.Context, domain string, lastID int64, applied, skipped, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[domain]
	if !ok {
		return ErrNotFound
	}
	if lastID > cp.LastMigratedID {
		cp.LastMigratedID = lastID
	}
	cp.MigratedCount += applied
	cp.SkippedCount += skipped
	cp.FailedCount += failed
	cp.LastBatchSize = applied + skipped + failed
	cp.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AdvanceIncremental(ctx context.Context, domain string, watermark time.Time, applied, skipped, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[domain]
	if !ok {
		return ErrNotFound
	}
	if !cp.LastSyncedAt.Valid || watermark.After(cp.LastSyncedAt.Time) {
		cp.LastSyncedAt = sql.NullTime{Time: watermark, Valid: true}
	}
	cp.MigratedCount += applied
	cp.SkippedCount += skipped
	cp.FailedCount += failed
	cp.LastBatchSize = applied + skipped + failed
	cp.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SwitchToIncremental(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[domain]
	if !ok {
		return ErrNotFound
	}
	if cp.Status == StatusRunning {
		return ErrAlreadyRunning
	}
	if cp.SyncMode == ModeIncremental {
		return ErrAlreadyIncremental
	}
	cp.SyncMode = ModeIncremental
	cp.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[domain]
	if !ok {
		return ErrNotFound
	}
	if cp.Status == StatusRunning {
		return ErrAlreadyRunning
	}
	mode := cp.SyncMode
	*cp = Checkpoint{
		DomainName: domain,
		Status:     StatusNotStarted,
		SyncMode:   mode,
		UpdatedAt:  s.now(),
	}
	return nil
}
