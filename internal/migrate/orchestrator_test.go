package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"member-migration-service/internal/checkpoint"
)

func executeRun(t *testing.T, o *Orchestrator, domain string, mode checkpoint.SyncMode) *Run {
	t.Helper()
	run, err := o.Begin(context.Background(), domain, mode)
	require.NoError(t, err)
	o.Execute(context.Background(), run)
	return run
}

func TestBulkRunWithOneBadRecord(t *testing.T) {
	// Keys 1..5, record 3 has an unusable email, chunk size 2, skip limit 1.
	now := time.Now()
	source := newFakeSource(
		legacyRow(1, "a@x.com", now),
		legacyRow(2, "b@x.com", now),
		legacyRow(3, "not-an-address", now),
		legacyRow(4, "d@x.com", now),
		legacyRow(5, "e@x.com", now),
	)
	target := newFakeTarget()
	store := checkpoint.NewMemoryStore(0)
	o := NewOrchestrator(store, source, target, Options{ChunkSize: 2, SkipLimit: 1, RetryLimit: 0})

	run := executeRun(t, o, "member", checkpoint.ModeBulk)

	state, err := run.State()
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, state)

	cp, err := store.FindByDomain(context.Background(), "member")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, int64(4), cp.MigratedCount)
	assert.Equal(t, int64(1), cp.SkippedCount)
	assert.Equal(t, int64(5), cp.LastMigratedID)
	assert.Equal(t, int64(5), cp.LegacyTotalCount)
	assert.Equal(t, []int64{1, 2, 4, 5}, target.memberIDs())
}

func TestSkipLimitBoundary(t *testing.T) {
	now := time.Now()
	rows := func(badCount int) []LegacyUser {
		out := []LegacyUser{
			legacyRow(1, "a@x.com", now),
			legacyRow(2, "b@x.com", now),
		}
		for i := 0; i < badCount; i++ {
			out = append(out, legacyRow(int64(10+i), "bad", now))
		}
		return out
	}

	t.Run("exactly at the limit completes", func(t *testing.T) {
		store := checkpoint.NewMemoryStore(0)
		o := NewOrchestrator(store, newFakeSource(rows(2)...), newFakeTarget(),
			Options{ChunkSize: 10, SkipLimit: 2, RetryLimit: 0})

		run := executeRun(t, o, "member", checkpoint.ModeBulk)
		state, _ := run.State()
		assert.Equal(t, RunCompleted, state)

		cp, err := store.FindByDomain(context.Background(), "member")
		require.NoError(t, err)
		assert.Equal(t, int64(2), cp.SkippedCount)
	})

	t.Run("one past the limit fails", func(t *testing.T) {
		store := checkpoint.NewMemoryStore(0)
		o := NewOrchestrator(store, newFakeSource(rows(3)...), newFakeTarget(),
			Options{ChunkSize: 10, SkipLimit: 2, RetryLimit: 0})

		run := executeRun(t, o, "member", checkpoint.ModeBulk)
		state, err := run.State()
		assert.Equal(t, RunFailed, state)
		assert.ErrorContains(t, err, "skip limit exceeded")

		cp, ferr := store.FindByDomain(context.Background(), "member")
		require.NoError(t, ferr)
		assert.Equal(t, checkpoint.StatusFailed, cp.Status)
		assert.Contains(t, cp.ErrorMessage.String, "skip limit exceeded")
	})
}

func TestNoGapResumeAfterMidRunFailure(t *testing.T) {
	now := time.Now()
	source := newFakeSource(
		legacyRow(1, "a@x.com", now),
		legacyRow(2, "b@x.com", now),
		legacyRow(3, "c@x.com", now),
		legacyRow(4, "d@x.com", now),
		legacyRow(5, "e@x.com", now),
	)
	target := newFakeTarget()
	target.failAfter = 1 // first chunk commits, the rest hit a dead DB
	store := checkpoint.NewMemoryStore(0)
	o := NewOrchestrator(store, source, target, Options{ChunkSize: 2, SkipLimit: 0, RetryLimit: 1})

	run := executeRun(t, o, "member", checkpoint.ModeBulk)
	state, _ := run.State()
	require.Equal(t, RunFailed, state)

	cp, err := store.FindByDomain(context.Background(), "member")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, int64(2), cp.LastMigratedID, "cursor reflects only the committed chunk")
	assert.Equal(t, int64(2), cp.MigratedCount)

	// Infrastructure recovers; the resume picks up exactly after the cursor.
	target.mu.Lock()
	target.failAfter = 0
	target.mu.Unlock()

	run = executeRun(t, o, "member", checkpoint.ModeBulk)
	state, _ = run.State()
	require.Equal(t, RunCompleted, state)

	cp, err = store.FindByDomain(context.Background(), "member")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cp.LastMigratedID)
	assert.Equal(t, int64(5), cp.MigratedCount, "no row counted twice")
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, target.memberIDs())
	assert.Equal(t, 5, target.inserts, "no duplicate inserts across runs")
}

func TestResumeOverCommittedChunkSparesSkipBudget(t *testing.T) {
	// Crash between a chunk's target commit and its checkpoint advance: the
	// target already holds rows 1 and 2 but the cursor still reads 0. The
	// resume re-reads the committed rows; with a zero skip budget the run
	// must still complete and migrate the rest.
	now := time.Now()
	source := newFakeSource(
		legacyRow(1, "a@x.com", now),
		legacyRow(2, "b@x.com", now),
		legacyRow(3, "c@x.com", now),
		legacyRow(4, "d@x.com", now),
	)
	target := newFakeTarget()
	tr := NewTransformer()
	for _, row := range []LegacyUser{legacyRow(1, "a@x.com", now), legacyRow(2, "b@x.com", now)} {
		m, err := tr.Transform(&row)
		require.NoError(t, err)
		target.members[row.ID] = *m
	}

	store := checkpoint.NewMemoryStore(0)
	o := NewOrchestrator(store, source, target, Options{ChunkSize: 2, SkipLimit: 0, RetryLimit: 0})

	run := executeRun(t, o, "member", checkpoint.ModeBulk)
	state, err := run.State()
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, state)

	cp, ferr := store.FindByDomain(context.Background(), "member")
	require.NoError(t, ferr)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, int64(4), cp.LastMigratedID)
	assert.Equal(t, int64(2), cp.MigratedCount)
	assert.Equal(t, int64(2), cp.SkippedCount, "re-read rows accounted as skips")
	assert.Equal(t, []int64{1, 2, 3, 4}, target.memberIDs())
	assert.Equal(t, 2, target.inserts, "committed rows never re-inserted")
}

func TestChunkRetryRecoversFromTransientFailure(t *testing.T) {
	now := time.Now()
	source := newFakeSource(legacyRow(1, "a@x.com", now))
	target := newFakeTarget()
	target.failTxLeft = 2 // transient: two attempts fail, the third lands
	store := checkpoint.NewMemoryStore(0)
	o := NewOrchestrator(store, source, target, Options{ChunkSize: 10, SkipLimit: 0, RetryLimit: 2})

	run := executeRun(t, o, "member", checkpoint.ModeBulk)
	state, err := run.State()
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, state)
	assert.Equal(t, []int64{1}, target.memberIDs())
}

func TestIncrementalRunAdvancesWatermarkWithTiedTimestamps(t *testing.T) {
	tied := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	source := newFakeSource(
		legacyRow(1, "a@x.com", tied),
		legacyRow(2, "b@x.com", tied),
	)
	target := newFakeTarget()
	target.rejectIDs[2] = true
	store := checkpoint.NewMemoryStore(0)
	ctx := context.Background()

	// Bulk phase done, operator flipped the mode.
	require.NoError(t, store.StartRun(ctx, "member", 2))
	require.NoError(t, store.CompleteRun(ctx, "member", time.Second))
	require.NoError(t, store.SwitchToIncremental(ctx, "member"))

	o := NewOrchestrator(store, source, target, Options{ChunkSize: 10, SkipLimit: 5, RetryLimit: 0})
	run := executeRun(t, o, "member", checkpoint.ModeIncremental)
	state, _ := run.State()
	require.Equal(t, RunCompleted, state)

	cp, err := store.FindByDomain(ctx, "member")
	require.NoError(t, err)
	require.True(t, cp.LastSyncedAt.Valid)
	assert.Equal(t, tied, cp.LastSyncedAt.Time, "watermark independent of per-record outcome")
	assert.Equal(t, int64(1), cp.FailedCount)
}

func TestRepeatedIncrementalPassesKeepWatermarkMonotonic(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	source := newFakeSource(legacyRow(1, "a@x.com", t1))
	target := newFakeTarget()
	store := checkpoint.NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, store.StartRun(ctx, "member", 1))
	require.NoError(t, store.CompleteRun(ctx, "member", time.Second))
	require.NoError(t, store.SwitchToIncremental(ctx, "member"))

	o := NewOrchestrator(store, source, target, Options{ChunkSize: 10, SkipLimit: 5, RetryLimit: 0})

	var previous time.Time
	for pass := 0; pass < 3; pass++ {
		run := executeRun(t, o, "member", checkpoint.ModeIncremental)
		state, _ := run.State()
		require.Equal(t, RunCompleted, state)

		cp, err := store.FindByDomain(ctx, "member")
		require.NoError(t, err)
		require.True(t, cp.LastSyncedAt.Valid)
		assert.False(t, cp.LastSyncedAt.Time.Before(previous))
		assert.False(t, cp.LastSyncedAt.Time.After(t1), "never set beyond the max applied timestamp")
		previous = cp.LastSyncedAt.Time
	}

	assert.Equal(t, []int64{1}, target.memberIDs())
}
