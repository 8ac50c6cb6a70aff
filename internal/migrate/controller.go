package migrate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"member-migration-service/internal/checkpoint"
	"member-migration-service/internal/logger"
)

// ErrUnknownDomain is returned for operations on a domain that was never
// registered with the controller.
var ErrUnknownDomain = errors.New("unknown migration domain")

// RunEvent is published when a run reaches a terminal state. External
// schedulers use it to release cooperative locks and plan the next pass.
type RunEvent struct {
	RunID      string
	Domain     string
	Mode       checkpoint.SyncMode
	State      RunState
	Error      string
	FinishedAt time.Time
}

// DomainStatus is the snapshot returned to operational callers: the durable
// checkpoint plus the live run, if one is held by this process.
type DomainStatus struct {
	Checkpoint *checkpoint.Checkpoint
	Run        *Run
	Progress   float64
}

// Controller is the external-facing entry point. It owns one orchestrator
// per registered domain, launches runs asynchronously, and relies on the
// checkpoint store's conditional updates for mutual exclusion, so triggers
// racing across processes still resolve to a single accepted run.
type Controller struct {
	store  checkpoint.Store
	opts   Options
	events chan RunEvent

	mu      sync.Mutex
	domains map[string]*Orchestrator
	runs    map[string]*Run
}

func NewController(store checkpoint.Store, opts Options) *Controller {
	return &Controller{
		store:   store,
		opts:    opts,
		events:  make(chan RunEvent, 16),
		domains: make(map[string]*Orchestrator),
		runs:    make(map[string]*Run),
	}
}

// Register wires a domain's legacy source and target store. Domains are
// independent: each has its own checkpoint row and may run concurrently with
// the others.
func (c *Controller) Register(domain string, source LegacySource, target TargetStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains[domain] = NewOrchestrator(c.store, source, target, c.opts)
}

// Events delivers run completion notifications. The channel is buffered;
// events are dropped, not blocked on, if no consumer keeps up.
func (c *Controller) Events() <-chan RunEvent {
	return c.events
}

// RunMigration launches a bulk migration run. The trigger is rejected with
// checkpoint.ErrAlreadyRunning when the domain is held; it is never queued.
func (c *Controller) RunMigration(ctx context.Context, domain string) (*Run, error) {
	return c.launch(ctx, domain, checkpoint.ModeBulk)
}

// RunIncrementalSync launches one incremental pass. The domain must have
// been switched to incremental mode first.
func (c *Controller) RunIncrementalSync(ctx context.Context, domain string) (*Run, error) {
	cp, err := c.store.FindByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.SyncMode != checkpoint.ModeIncremental {
		return nil, checkpoint.ErrNotIncremental
	}
	return c.launch(ctx, domain, checkpoint.ModeIncremental)
}

func (c *Controller) launch(ctx context.Context, domain string, mode checkpoint.SyncMode) (*Run, error) {
	c.mu.Lock()
	orch, ok := c.domains[domain]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownDomain
	}

	run, err := orch.Begin(ctx, domain, mode)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.runs[domain] = run
	c.mu.Unlock()

	// The run outlives the triggering request.
	go func() {
		orch.Execute(context.Background(), run)
		c.publish(run)
	}()

	return run, nil
}

func (c *Controller) publish(run *Run) {
	state, err := run.State()
	event := RunEvent{
		RunID:      run.ID,
		Domain:     run.Domain,
		Mode:       run.Mode,
		State:      state,
		FinishedAt: time.Now(),
	}
	if err != nil {
		event.Error = err.Error()
	}

	select {
	case c.events <- event:
	default:
		logger.Log.Warn("Dropping run event, no consumer",
			zap.String("runID", run.ID), zap.String("domain", run.Domain))
	}
}

// GetStatus returns the checkpoint snapshot with progress and, when this
// process holds the live run, its handle.
func (c *Controller) GetStatus(ctx context.Context, domain string) (*DomainStatus, error) {
	c.mu.Lock()
	_, registered := c.domains[domain]
	run := c.runs[domain]
	c.mu.Unlock()
	if !registered {
		return nil, ErrUnknownDomain
	}

	cp, err := c.store.FindByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &checkpoint.Checkpoint{
			DomainName: domain,
			Status:     checkpoint.StatusNotStarted,
			SyncMode:   checkpoint.ModeBulk,
		}
	}

	return &DomainStatus{Checkpoint: cp, Run: run, Progress: cp.Progress()}, nil
}

// SwitchToIncremental flips the domain from bulk to incremental mode. Legal
// only between runs, and one-way: even a reset clears progress but keeps the
// mode.
func (c *Controller) SwitchToIncremental(ctx context.Context, domain string) error {
	if !c.registered(domain) {
		return ErrUnknownDomain
	}
	return c.store.SwitchToIncremental(ctx, domain)
}

// ResetCheckpoint zeroes cursors and counters for a clean re-run. An
// operational escape hatch, not part of steady state.
func (c *Controller) ResetCheckpoint(ctx context.Context, domain string) error {
	if !c.registered(domain) {
		return ErrUnknownDomain
	}
	return c.store.Reset(ctx, domain)
}

func (c *Controller) registered(domain string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.domains[domain]
	return ok
}
