package migrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"member-migration-service/internal/checkpoint"
	"member-migration-service/internal/logger"
)

type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunCompleted RunState = "COMPLETED"
	RunFailed    RunState = "FAILED"
)

// Run is the in-process handle for one execution. The durable record lives
// in the checkpoint store; this only tracks the live state machine.
type Run struct {
	ID        string
	Domain    string
	Mode      checkpoint.SyncMode
	StartedAt time.Time

	mu         sync.Mutex
	state      RunState
	err        error
	finishedAt time.Time
	done       chan struct{}
}

func newRun(domain string, mode checkpoint.SyncMode) *Run {
	return &Run{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Domain:    domain,
		Mode:      mode,
		StartedAt: time.Now(),
		state:     RunPending,
		done:      make(chan struct{}),
	}
}

func (r *Run) State() (RunState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.err
}

// Done closes when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// FinishedAt is zero until the run reaches a terminal state.
func (r *Run) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

func (r *Run) setRunning() {
	r.mu.Lock()
	r.state = RunRunning
	r.mu.Unlock()
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	if err != nil {
		r.state = RunFailed
		r.err = err
	} else {
		r.state = RunCompleted
	}
	r.finishedAt = time.Now()
	r.mu.Unlock()
	close(r.done)
}

// Options are the run parameters supplied by the caller. Nothing here is
// hardcoded by the engine.
type Options struct {
	ChunkSize  int
	SkipLimit  int
	RetryLimit int
}

// Orchestrator drives Reader -> Transformer -> Writer as a sequence of
// transactional chunks. Chunks are strictly ordered: chunk N+1 does not start
// before chunk N's commit and checkpoint advance, which preserves the no-gap
// cursor invariant.
type Orchestrator struct {
	store       checkpoint.Store
	source      LegacySource
	target      TargetStore
	transformer *Transformer
	opts        Options
}

func NewOrchestrator(store checkpoint.Store, source LegacySource, target TargetStore, opts Options) *Orchestrator {
	return &Orchestrator{
		store:       store,
		source:      source,
		target:      target,
		transformer: NewTransformer(),
		opts:        opts,
	}
}

// Begin claims the domain by flipping its checkpoint to RUNNING and returns
// the run handle. Returns checkpoint.ErrAlreadyRunning when another process
// holds the domain; no checkpoint state is mutated in that case.
func (o *Orchestrator) Begin(ctx context.Context, domain string, mode checkpoint.SyncMode) (*Run, error) {
	total, err := o.source.CountAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count legacy rows: %w", err)
	}

	if err := o.store.StartRun(ctx, domain, total); err != nil {
		return nil, err
	}

	return newRun(domain, mode), nil
}

// Execute processes chunks until the reader is exhausted or the run fails.
// It is the single place that releases the RUNNING flag, exactly once per
// run, whatever the outcome.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) {
	start := time.Now()
	run.setRunning()

	logger.Log.Info("Run started",
		zap.String("runID", run.ID),
		zap.String("domain", run.Domain),
		zap.String("mode", string(run.Mode)),
	)

	err := o.processChunks(ctx, run)

	elapsed := time.Since(start)
	if err != nil {
		if ferr := o.store.FailRun(ctx, run.Domain, err.Error()); ferr != nil {
			logger.Log.Error("Failed to record run failure", zap.String("domain", run.Domain), zap.Error(ferr))
		}
		logger.Log.Error("Run failed",
			zap.String("runID", run.ID),
			zap.String("domain", run.Domain),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		run.finish(err)
		return
	}

	if cerr := o.store.CompleteRun(ctx, run.Domain, elapsed); cerr != nil {
		logger.Log.Error("Failed to record run completion", zap.String("domain", run.Domain), zap.Error(cerr))
	}
	logger.Log.Info("Run completed",
		zap.String("runID", run.ID),
		zap.String("domain", run.Domain),
		zap.Duration("elapsed", elapsed),
	)
	run.finish(nil)
}

func (o *Orchestrator) processChunks(ctx context.Context, run *Run) error {
	cp, err := o.store.FindByDomain(ctx, run.Domain)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return checkpoint.ErrNotFound
	}

	var reader *Reader
	if run.Mode == checkpoint.ModeIncremental {
		watermark := time.Unix(0, 0)
		if cp.LastSyncedAt.Valid {
			watermark = cp.LastSyncedAt.Time
		}
		reader = NewIncrementalReader(o.source, watermark, o.opts.ChunkSize)
	} else {
		reader = NewBulkReader(o.source, cp.LastMigratedID, o.opts.ChunkSize)
	}

	writer := NewWriter(o.target, o.store, run.Domain)

	var skips int64
	for {
		chunk, err := o.nextChunk(ctx, reader)
		if err != nil {
			return fmt.Errorf("failed to read legacy rows: %w", err)
		}
		if len(chunk) == 0 {
			return nil
		}

		result, err := o.writeWithRetry(ctx, run, writer, chunk)
		if err != nil {
			return err
		}

		// Already-present detections stay off the budget: a resume over
		// committed work re-reads whole chunks of them and must not fail
		// the run.
		skips += result.Skipped + result.Failed
		if skips > int64(o.opts.SkipLimit) {
			return fmt.Errorf("skip limit exceeded: %d records skipped or failed (limit %d)",
				skips, o.opts.SkipLimit)
		}

		logger.Log.Debug("Chunk committed",
			zap.String("runID", run.ID),
			zap.Int64("applied", result.Applied),
			zap.Int64("skipped", result.Skipped),
			zap.Int64("alreadyPresent", result.AlreadyPresent),
			zap.Int64("failed", result.Failed),
			zap.Int64("lastID", result.LastID),
		)
	}
}

// nextChunk pulls up to ChunkSize rows and transforms each one.
// Transformation failures ride along as skip records; they never abort the
// chunk.
func (o *Orchestrator) nextChunk(ctx context.Context, reader *Reader) ([]ChunkRecord, error) {
	chunk := make([]ChunkRecord, 0, o.opts.ChunkSize)
	for len(chunk) < o.opts.ChunkSize {
		row, err := reader.Read(ctx)
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		member, err := o.transformer.Transform(row)
		chunk = append(chunk, ChunkRecord{Legacy: *row, Member: member, Err: err})
	}
	return chunk, nil
}

// writeWithRetry re-attempts the same chunk on infrastructure failures up to
// RetryLimit before escalating to a run failure. Re-application is safe
// because the writer is idempotent.
func (o *Orchestrator) writeWithRetry(ctx context.Context, run *Run, writer *Writer, chunk []ChunkRecord) (*ChunkResult, error) {
	var lastErr error
	for attempt := 0; attempt <= o.opts.RetryLimit; attempt++ {
		if attempt > 0 {
			logger.Log.Warn("Retrying chunk",
				zap.String("runID", run.ID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var result *ChunkResult
		var err error
		if run.Mode == checkpoint.ModeIncremental {
			result, err = writer.WriteIncrementalChunk(ctx, chunk)
		} else {
			result, err = writer.WriteBulkChunk(ctx, chunk)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("chunk failed after %d retries: %w", o.opts.RetryLimit, lastErr)
}
