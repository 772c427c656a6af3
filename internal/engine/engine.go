// Package engine drives batch generation executions.
//
// An execution moves pending -> running -> completed | failed | stopped.
// Units are processed one at a time: credits are deducted before the
// pipeline runs, the deduction is checkpointed, and a failed unit is
// refunded exactly once. Every outcome is persisted before the matching
// progress event is published, so the execution store stays authoritative
// and the stream is best effort.
//
// A process only runs an execution while it holds the execution's lease in
// the store. The lease is renewed by a heartbeat; a process whose lease was
// taken over stops at once and its record writes are rejected.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"boardgen/internal/estimator"
	"boardgen/internal/ledger"
	"boardgen/internal/pipeline"
	"boardgen/internal/store"
	"boardgen/internal/stream"
	"boardgen/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotFound is returned for unknown execution ids.
	ErrNotFound = errors.New("execution not found")

	// ErrNotRunning is returned when stopping an execution that is not running.
	ErrNotRunning = errors.New("execution is not running")

	// ErrNotResumable is returned when resuming an execution that is active or finished.
	ErrNotResumable = errors.New("execution cannot be resumed")

	// ErrInvalidConfig is returned for batch configs that cannot be priced.
	ErrInvalidConfig = errors.New("invalid batch config")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// StateStoreError wraps a failed execution store write. It is fatal for the execution.
type StateStoreError struct {
	Op  string
	Err error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("execution store %s: %v", e.Op, e.Err)
}

func (e *StateStoreError) Unwrap() error {
	return e.Err
}

// Generator runs the generation steps of one unit. *pipeline.Pipeline satisfies it.
type Generator interface {
	Run(ctx context.Context, unit store.WorkUnit, cfg store.BatchConfig) (pipeline.Result, error)
}

// Config holds the collaborators of an Engine.
type Config struct {
	Executions store.ExecutionRepository
	Candidates store.CandidateSource
	Content    store.ContentSink
	Ledger     *ledger.Ledger
	Generator  Generator
	Hub        *stream.Hub
	Logger     *slog.Logger

	// OrphanGracePeriod is how old an unrefunded deduction must be before the sweep considers it.
	OrphanGracePeriod time.Duration

	// InstanceID names this process as lease owner. Defaults to hostname plus a random suffix.
	InstanceID string

	// LeaseDuration is how long a claim stays valid without a heartbeat.
	LeaseDuration time.Duration
}

// DefaultLeaseDuration is used when Config.LeaseDuration is not set.
const DefaultLeaseDuration = 30 * time.Second

// Engine runs executions, one goroutine per active execution.
type Engine struct {
	executions store.ExecutionRepository
	candidates store.CandidateSource
	content    store.ContentSink
	ledger     *ledger.Ledger
	generator  Generator
	hub        *stream.Hub
	logger     *slog.Logger
	grace      time.Duration
	owner      string
	lease      time.Duration

	tracer         trace.Tracer
	unitsProcessed metric.Int64Counter
	activeRuns     metric.Int64UpDownCounter

	now   func() time.Time
	newID func() uuid.UUID

	mu      sync.Mutex
	runs    map[uuid.UUID]*run
	closing bool
	wg      sync.WaitGroup
}

// run is the control block of one active execution phase.
type run struct {
	stop      chan struct{}
	pause     chan struct{}
	lost      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	pauseOnce sync.Once
	lostOnce  sync.Once

	mu     sync.Mutex
	sealed bool // No unit boundary is left where a stop could be observed
}

func newRun() *run {
	return &run{
		stop:  make(chan struct{}),
		pause: make(chan struct{}),
		lost:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (r *run) requestPause() { r.pauseOnce.Do(func() { close(r.pause) }) }

// requestStop asks the loop to stop at its next unit boundary. It reports
// false once the loop has started its last unit.
func (r *run) requestStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	r.stopOnce.Do(func() { close(r.stop) })
	return true
}

// seal marks the last unit boundary. It reports false when a stop was
// requested before it.
func (r *run) seal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stop:
		return false
	default:
	}
	r.sealed = true
	return true
}

func (r *run) leaseLost() { r.lostOnce.Do(func() { close(r.lost) }) }

// New creates an engine.
func New(cfg Config) *Engine {
	meter := otel.Meter("boardgen/engine")
	units, _ := meter.Int64Counter("boardgen.units.processed",
		metric.WithDescription("Generation units processed, by outcome"))
	active, _ := meter.Int64UpDownCounter("boardgen.executions.active",
		metric.WithDescription("Executions currently running in this process"))

	grace := cfg.OrphanGracePeriod
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	owner := cfg.InstanceID
	if owner == "" {
		owner = defaultInstanceID()
	}

	return &Engine{
		executions:     cfg.Executions,
		candidates:     cfg.Candidates,
		content:        cfg.Content,
		ledger:         cfg.Ledger,
		generator:      cfg.Generator,
		hub:            cfg.Hub,
		logger:         cfg.Logger,
		grace:          grace,
		owner:          owner,
		lease:          lease,
		tracer:         otel.Tracer("boardgen/engine"),
		unitsProcessed: units,
		activeRuns:     active,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.New,
		runs:           make(map[uuid.UUID]*run),
	}
}

// Submit creates an execution for the units matching cfg and starts it in the
// background. When the balance cannot cover the estimate the execution is
// recorded as failed and the returned error wraps ledger.ErrInsufficientCredits;
// the id is returned in both cases.
func (e *Engine) Submit(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) (uuid.UUID, error) {
	if err := validate(cfg); err != nil {
		return uuid.Nil, err
	}
	cfg = cfg.WithDefaults()

	units, err := e.candidates.ListCandidateUnits(ctx, orgID, cfg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("list candidate units: %w", err)
	}

	now := e.now()
	leaseUntil := now.Add(e.lease)
	exec := &store.Execution{
		ID:             e.newID(),
		OrganizationID: orgID,
		Status:         store.ExecutionStatusPending,
		Config:         cfg,
		Stats:          store.ExecutionStats{TotalCandidates: len(units)},
		CandidateIDs:   make([]string, 0, len(units)),
		CreatedAt:      now,
		UpdatedAt:      now,
		Owner:          e.owner,
		LeaseUntil:     &leaseUntil,
		LeaseEpoch:     1,
	}
	for _, u := range units {
		exec.CandidateIDs = append(exec.CandidateIDs, u.ID)
	}

	cost := estimator.Estimate(cfg, billable(exec, units))
	exec.EstimatedCost = cost.Total
	exec.EstimatedCredits = cost.Credits

	r, err := e.reserve(exec.ID)
	if err != nil {
		return uuid.Nil, err
	}
	saved, launched := false, false
	defer func() {
		if launched {
			return
		}
		if saved {
			e.releaseLease(exec)
		}
		e.release(exec.ID)
	}()

	if err := e.save(ctx, exec); err != nil {
		return uuid.Nil, err
	}
	saved = true

	ok, err := e.ledger.HasSufficientBalance(ctx, orgID, cost.Credits)
	if err != nil {
		e.finalize(exec, store.ExecutionStatusFailed, err.Error())
		e.saveBestEffort(ctx, exec)
		return exec.ID, fmt.Errorf("check balance: %w", err)
	}
	if !ok {
		err := fmt.Errorf("%w: batch needs %d credits", ledger.ErrInsufficientCredits, cost.Credits)
		e.finalize(exec, store.ExecutionStatusFailed, err.Error())
		if saveErr := e.save(ctx, exec); saveErr != nil {
			return exec.ID, saveErr
		}
		e.logger.Info("execution rejected", "execution_id", exec.ID, "organization_id", orgID, "credits", cost.Credits)
		return exec.ID, err
	}

	exec.Status = store.ExecutionStatusRunning
	exec.StartedAt = &now
	if err := e.save(ctx, exec); err != nil {
		return exec.ID, err
	}

	e.logger.Info("execution submitted",
		"execution_id", exec.ID, "organization_id", orgID,
		"candidates", len(units), "estimated_credits", cost.Credits, "dry_run", cfg.DryRun)

	e.launch(exec, units, r)
	launched = true
	return exec.ID, nil
}

// Resume restarts a stopped or failed execution. Units already recorded as
// generated are never processed or charged again.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) error {
	exec, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if !resumable(exec.Status) {
		return fmt.Errorf("%w: status is %s", ErrNotResumable, exec.Status)
	}
	return e.resume(ctx, id, resumable)
}

func resumable(status store.ExecutionStatus) bool {
	return status == store.ExecutionStatusStopped || status == store.ExecutionStatusFailed
}

// resume claims the execution, reloads its checkpoint and starts a new phase
// when the status still satisfies accept. A running execution that can no
// longer be paid for is failed.
func (e *Engine) resume(ctx context.Context, id uuid.UUID, accept func(store.ExecutionStatus) bool) error {
	r, err := e.reserve(id)
	if err != nil {
		return err
	}
	var exec *store.Execution
	launched := false
	defer func() {
		if launched {
			return
		}
		if exec != nil {
			e.releaseLease(exec)
		}
		e.release(id)
	}()

	exec, err = e.claim(ctx, id)
	if err != nil {
		return err
	}
	if !accept(exec.Status) {
		return fmt.Errorf("%w: status is %s", ErrNotResumable, exec.Status)
	}

	e.reconcileInFlight(ctx, exec)

	units, err := e.candidates.GetWorkUnits(ctx, exec.OrganizationID, exec.CandidateIDs)
	if err != nil {
		return fmt.Errorf("load work units: %w", err)
	}

	cost := estimator.Estimate(exec.Config, billable(exec, units))
	ok, err := e.ledger.HasSufficientBalance(ctx, exec.OrganizationID, cost.Credits)
	if err != nil {
		return fmt.Errorf("check balance: %w", err)
	}
	if !ok {
		err := fmt.Errorf("%w: remaining units need %d credits", ledger.ErrInsufficientCredits, cost.Credits)
		if exec.Status == store.ExecutionStatusRunning {
			e.finalize(exec, store.ExecutionStatusFailed, err.Error())
			if saveErr := e.save(ctx, exec); saveErr != nil {
				return saveErr
			}
		}
		return err
	}

	now := e.now()
	exec.Phase++
	exec.Status = store.ExecutionStatusRunning
	exec.Error = nil
	exec.CompletedAt = nil
	exec.DurationMs = nil
	exec.ActualCost = nil
	exec.UnitErrors = nil
	// Skipped and failed units are attempted again in the new phase.
	exec.Stats.Skipped = 0
	exec.Stats.ErrorsCount = 0
	exec.Stats.AlreadyDone = len(exec.GeneratedUnits)
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	if err := e.save(ctx, exec); err != nil {
		return err
	}

	e.logger.Info("execution resumed",
		"execution_id", exec.ID, "phase", exec.Phase, "lease_epoch", exec.LeaseEpoch,
		"already_done", exec.Stats.AlreadyDone, "remaining_credits", cost.Credits)

	e.launch(exec, units, r)
	launched = true
	return nil
}

// claim takes the lease of an execution and returns its checkpoint as of the claim.
func (e *Engine) claim(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	now := e.now()
	epoch, err := e.executions.ClaimExecution(ctx, id, e.owner, now, now.Add(e.lease))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, store.ErrLeaseHeld):
		return nil, fmt.Errorf("%w: %w", ErrNotResumable, err)
	case err != nil:
		return nil, fmt.Errorf("claim execution %s: %w", id, err)
	}

	exec, err := e.load(ctx, id)
	if err != nil {
		_ = e.executions.ReleaseExecution(ctx, id, epoch)
		return nil, err
	}
	if exec.LeaseEpoch != epoch {
		return nil, fmt.Errorf("%w: %w", ErrNotResumable, store.ErrLeaseLost)
	}
	return exec, nil
}

// releaseLease gives up the lease of exec so another process may claim it at once.
func (e *Engine) releaseLease(exec *store.Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.executions.ReleaseExecution(ctx, exec.ID, exec.LeaseEpoch); err != nil {
		e.logger.Warn("failed to release execution lease", "execution_id", exec.ID, "error", err)
	}
}

// Stop asks a running execution to stop before its next unit. Once the last
// remaining unit has started the execution will complete, and Stop returns
// ErrNotRunning.
func (e *Engine) Stop(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		if !r.requestStop() {
			return fmt.Errorf("%w: the last unit is already being processed", ErrNotRunning)
		}
		e.logger.Info("stop requested", "execution_id", id)
		return nil
	}

	exec, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status == store.ExecutionStatusRunning && exec.LeaseLive(e.now()) && exec.Owner != e.owner {
		return fmt.Errorf("%w here: running on %s", ErrNotRunning, exec.Owner)
	}
	return ErrNotRunning
}

// Get returns the latest checkpoint of an execution.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	return e.load(ctx, id)
}

// Subscribe attaches the progress stream of an execution. Only events
// published from now on are delivered; an execution that already ended
// yields a single terminal event built from its checkpoint.
func (e *Engine) Subscribe(ctx context.Context, id uuid.UUID) (<-chan api.Event, func(), error) {
	sub := e.hub.Subscribe(id)
	exec, err := e.load(ctx, id)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	if exec.Status.IsTerminal() {
		sub.Finish(e.terminalEvent(exec))
	}
	return sub.Events(), sub.Close, nil
}

// Shutdown pauses every active execution at its next unit boundary and waits
// for the loops to return. Paused executions stay running in the store and
// are picked up by Recover on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	for _, r := range e.runs {
		r.requestPause()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isActive(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

// reserve registers an execution as active before its loop starts.
func (e *Engine) reserve(id uuid.UUID) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return nil, ErrShuttingDown
	}
	if _, ok := e.runs[id]; ok {
		return nil, fmt.Errorf("%w: already running", ErrNotResumable)
	}
	r := newRun()
	e.runs[id] = r
	e.wg.Add(1)
	return r, nil
}

func (e *Engine) release(id uuid.UUID) {
	e.mu.Lock()
	r, ok := e.runs[id]
	delete(e.runs, id)
	e.mu.Unlock()
	if ok {
		close(r.done)
		e.wg.Done()
	}
}

func (e *Engine) launch(exec *store.Execution, units []store.WorkUnit, r *run) {
	go func() {
		defer e.release(exec.ID)
		e.activeRuns.Add(context.Background(), 1)
		defer e.activeRuns.Add(context.Background(), -1)

		hbCtx, stopHeartbeat := context.WithCancel(context.Background())
		heartbeatDone := make(chan struct{})
		go func() {
			defer close(heartbeatDone)
			e.heartbeat(hbCtx, exec.ID, exec.LeaseEpoch, r)
		}()

		e.runPhase(exec, units, r)

		stopHeartbeat()
		<-heartbeatDone
		e.releaseLease(exec)
	}()
}

// heartbeat renews the lease until ctx is done. A superseded lease makes the
// run stop before its next unit.
func (e *Engine) heartbeat(ctx context.Context, id uuid.UUID, epoch int64, r *run) {
	ticker := time.NewTicker(max(e.lease/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := e.executions.RenewLease(ctx, id, epoch, e.now().Add(e.lease))
		switch {
		case err == nil:
		case errors.Is(err, store.ErrLeaseLost):
			e.logger.Warn("execution lease taken over", "execution_id", id, "lease_epoch", epoch)
			r.leaseLost()
			return
		case ctx.Err() == nil:
			e.logger.Warn("failed to renew execution lease", "execution_id", id, "error", err)
		}
	}
}

// done returns a channel closed when the execution is no longer active.
func (e *Engine) done(id uuid.UUID) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[id]; ok {
		return r.done
	}
	c := make(chan struct{})
	close(c)
	return c
}

func (e *Engine) load(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	exec, err := e.executions.LoadExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return exec, nil
}

func (e *Engine) save(ctx context.Context, exec *store.Execution) error {
	exec.UpdatedAt = e.now()
	if err := e.executions.SaveExecution(ctx, exec); err != nil {
		return &StateStoreError{Op: "save", Err: err}
	}
	return nil
}

func (e *Engine) saveBestEffort(ctx context.Context, exec *store.Execution) {
	if err := e.save(ctx, exec); err != nil {
		e.logger.Error("failed to record execution state", "execution_id", exec.ID, "status", exec.Status, "error", err)
	}
}

// finalize sets the terminal fields of exec.
func (e *Engine) finalize(exec *store.Execution, status store.ExecutionStatus, errMsg string) {
	now := e.now()
	exec.Status = status
	exec.InFlight = nil
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Milliseconds()
		exec.DurationMs = &d
	}
	actual := estimator.Actual(exec.Config.PriceTier, exec.CallCounts).Total
	exec.ActualCost = &actual
	if errMsg != "" {
		exec.Error = &errMsg
	}
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "boardgen"
	}
	return host + "-" + uuid.NewString()[:8]
}

func validate(cfg store.BatchConfig) error {
	if cfg.UnitCount < 0 {
		return fmt.Errorf("%w: unit count must not be negative", ErrInvalidConfig)
	}
	if cfg.MaterialShots < 0 || cfg.TextureShots < 0 {
		return fmt.Errorf("%w: shot counts must not be negative", ErrInvalidConfig)
	}
	switch cfg.PriceTier {
	case "", store.PriceTierStandard, store.PriceTierPremium:
	default:
		return fmt.Errorf("%w: unknown price tier %q", ErrInvalidConfig, cfg.PriceTier)
	}
	return nil
}

// skippable reports whether a unit is counted as skipped without being charged.
func skippable(cfg store.BatchConfig, unit store.WorkUnit) bool {
	return cfg.DryRun || (unit.HasContent && !cfg.Overwrite)
}

// billable counts the units of exec that would be charged in the next phase.
func billable(exec *store.Execution, units []store.WorkUnit) int {
	n := 0
	for _, u := range units {
		if exec.HasGenerated(u.ID) || skippable(exec.Config, u) {
			continue
		}
		n++
	}
	return n
}
