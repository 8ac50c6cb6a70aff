package migrate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errDBGone = errors.New("connection refused")

// fakeSource is a slice-backed LegacySource.
type fakeSource struct {
	mu   sync.Mutex
	rows []LegacyUser
}

func newFakeSource(rows ...LegacyUser) *fakeSource {
	return &fakeSource{rows: rows}
}

func (s *fakeSource) CountAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *fakeSource) FetchAfterID(ctx context.Context, afterID int64, limit int) ([]LegacyUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var page []LegacyUser
	for _, r := range s.rows {
		if r.ID > afterID {
			page = append(page, r)
		}
	}
	sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (s *fakeSource) FetchModifiedSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]LegacyUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var page []LegacyUser
	for _, r := range s.rows {
		if r.UpdatedAt.After(since) || (r.UpdatedAt.Equal(since) && r.ID > afterID) {
			page = append(page, r)
		}
	}
	sort.Slice(page, func(i, j int) bool {
		if !page[i].UpdatedAt.Equal(page[j].UpdatedAt) {
			return page[i].UpdatedAt.Before(page[j].UpdatedAt)
		}
		return page[i].ID < page[j].ID
	})
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

// fakeTarget is a map-backed TargetStore with transactional chunk semantics:
// a chunk either commits as a whole or leaves no trace. Record-level write
// errors are injected per legacy id, infrastructure failures per InTx call.
type fakeTarget struct {
	mu         sync.Mutex
	members    map[int64]Member
	rejectIDs  map[int64]bool // writes for these ids fail with ErrRecordRejected
	failTxLeft int            // next N InTx calls fail with errDBGone
	failAfter  int            // when >0, every InTx call past the Nth fails
	calls      int
	txGate     chan struct{} // when set, InTx blocks until the gate closes
	inserts    int
	upserts    int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		members:   make(map[int64]Member),
		rejectIDs: make(map[int64]bool),
	}
}

func (f *fakeTarget) InTx(ctx context.Context, fn func(tx TargetTx) error) error {
	if f.txGate != nil {
		<-f.txGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failTxLeft > 0 {
		f.failTxLeft--
		return errDBGone
	}
	if f.failAfter > 0 && f.calls > f.failAfter {
		return errDBGone
	}

	staged := make(map[int64]Member, len(f.members))
	for k, v := range f.members {
		staged[k] = v
	}

	tx := &fakeTargetTx{target: f, staged: staged}
	if err := fn(tx); err != nil {
		return err
	}

	f.members = staged
	f.inserts += tx.inserts
	f.upserts += tx.upserts
	return nil
}

type fakeTargetTx struct {
	target  *fakeTarget
	staged  map[int64]Member
	inserts int
	upserts int
}

func (t *fakeTargetTx) ExistsByLegacyID(ctx context.Context, legacyID int64) (bool, error) {
	_, ok := t.staged[legacyID]
	return ok, nil
}

func (t *fakeTargetTx) Insert(ctx context.Context, m *Member) error {
	if t.target.rejectIDs[m.LegacyUserID] {
		return ErrRecordRejected
	}
	t.staged[m.LegacyUserID] = *m
	t.inserts++
	return nil
}

func (t *fakeTargetTx) Upsert(ctx context.Context, m *Member) error {
	if t.target.rejectIDs[m.LegacyUserID] {
		return ErrRecordRejected
	}
	if existing, ok := t.staged[m.LegacyUserID]; ok {
		// Keep the original surrogate key, as the real upsert does.
		updated := *m
		updated.ID = existing.ID
		t.staged[m.LegacyUserID] = updated
	} else {
		t.staged[m.LegacyUserID] = *m
	}
	t.upserts++
	return nil
}

func (f *fakeTarget) memberIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.members))
	for id := range f.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *fakeTarget) member(legacyID int64) (Member, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[legacyID]
	return m, ok
}

func legacyRow(id int64, email string, updatedAt time.Time) LegacyUser {
	return LegacyUser{
		ID:        id,
		Email:     email,
		Name:      "user",
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
	}
}
