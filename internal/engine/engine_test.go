package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"boardgen/internal/ledger"
	"boardgen/internal/logger"
	"boardgen/internal/pipeline"
	"boardgen/internal/store"
	"boardgen/internal/store/memory"
	"boardgen/internal/stream"
	"boardgen/pkg/api"

	"github.com/google/uuid"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []string
	hook  func(unit store.WorkUnit)
	fail  map[string]error
}

func (g *fakeGenerator) Run(ctx context.Context, unit store.WorkUnit, cfg store.BatchConfig) (pipeline.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, unit.ID)
	hook := g.hook
	err := g.fail[unit.ID]
	g.mu.Unlock()

	if hook != nil {
		hook(unit)
	}
	if err != nil {
		return pipeline.Result{Calls: store.CallCounts{Selection: 1, InputTokens: 5}}, err
	}
	return pipeline.Result{
		Content: store.UnitContent{Title: unit.Name, Approach: "warm", Color: "sand"},
		Calls:   store.CallCounts{Selection: 1, MainContent: 1, InputTokens: 10, OutputTokens: 20},
	}, nil
}

func (g *fakeGenerator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type harness struct {
	engine *Engine
	store  *memory.Store
	ledger *ledger.Ledger
	gen    *fakeGenerator
	hub    *stream.Hub
	org    uuid.UUID
	nextID uuid.UUID
}

func newHarness(t *testing.T, credits int64) *harness {
	t.Helper()
	mem := memory.New()
	return newHarnessWithRepo(t, mem, mem, credits)
}

func newHarnessWithRepo(t *testing.T, mem *memory.Store, repo store.ExecutionRepository, credits int64) *harness {
	t.Helper()
	h := &harness{
		store:  mem,
		ledger: ledger.New(mem, logger.Discard()),
		gen:    &fakeGenerator{fail: map[string]error{}},
		hub:    stream.NewHub(64, logger.Discard()),
		org:    uuid.New(),
		nextID: uuid.New(),
	}
	h.engine = New(Config{
		Executions: repo,
		Candidates: mem,
		Content:    mem,
		Ledger:     h.ledger,
		Generator:  h.gen,
		Hub:        h.hub,
		Logger:     logger.Discard(),
	})
	h.engine.newID = func() uuid.UUID { return h.nextID }

	mem.AddUnits(h.org,
		store.WorkUnit{ID: "japandi", Name: "Japandi"},
		store.WorkUnit{ID: "boho", Name: "Boho"},
		store.WorkUnit{ID: "industrial", Name: "Industrial"},
	)
	if credits > 0 {
		if _, err := h.ledger.Grant(context.Background(), h.org, credits, "test"); err != nil {
			t.Fatalf("grant failed: %v", err)
		}
	}
	return h
}

func (h *harness) wait(t *testing.T, id uuid.UUID) *store.Execution {
	t.Helper()
	select {
	case <-h.engine.done(id):
	case <-time.After(5 * time.Second):
		t.Fatalf("execution %s did not finish", id)
	}
	exec, err := h.engine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return exec
}

func (h *harness) usage() []store.CreditTransaction {
	var out []store.CreditTransaction
	for _, tx := range h.store.Transactions(h.org) {
		if tx.Type == store.TransactionTypeUsage {
			out = append(out, tx)
		}
	}
	return out
}

func (h *harness) refunds() []store.CreditTransaction {
	var out []store.CreditTransaction
	for _, tx := range h.store.Transactions(h.org) {
		if tx.Type == store.TransactionTypeRefund {
			out = append(out, tx)
		}
	}
	return out
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), h.org)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return b
}

func collectEvents(t *testing.T, events <-chan api.Event) []api.Event {
	t.Helper()
	var got []api.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
}

// Text-only units cost 2 credits each with the standard tier.
const unitCredits = 2

func TestSubmit_CompletesAllUnits(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, h.org, store.BatchConfig{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s (error %v)", exec.Status, exec.Error)
	}
	if exec.Stats.Created != 3 || exec.Stats.ErrorsCount != 0 {
		t.Errorf("unexpected stats: %+v", exec.Stats)
	}
	if exec.EstimatedCredits != 3*unitCredits {
		t.Errorf("expected estimate of %d credits, got %d", 3*unitCredits, exec.EstimatedCredits)
	}
	if len(exec.GeneratedUnits) != 3 {
		t.Fatalf("expected 3 generated units, got %d", len(exec.GeneratedUnits))
	}
	for _, u := range exec.GeneratedUnits {
		if _, ok := h.store.Content(u.ExternalReference); !ok {
			t.Errorf("content for %s was not persisted", u.UnitID)
		}
	}
	if exec.CallCounts.MainContent != 3 || exec.CallCounts.InputTokens != 30 {
		t.Errorf("unexpected call counts: %+v", exec.CallCounts)
	}
	if exec.ActualCost == nil || *exec.ActualCost <= 0 {
		t.Errorf("expected actual cost, got %v", exec.ActualCost)
	}
	if exec.CompletedAt == nil || exec.DurationMs == nil {
		t.Error("expected completion time and duration")
	}
	if exec.InFlight != nil {
		t.Errorf("expected no in-flight unit, got %+v", exec.InFlight)
	}
	if got := h.balance(t); got != 100-3*unitCredits {
		t.Errorf("expected balance %d, got %d", 100-3*unitCredits, got)
	}
}

func TestSubmit_InsufficientCreditsFailsBeforeAnyUnit(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, h.org, store.BatchConfig{})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected execution id even when rejected")
	}

	exec, err := h.engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if exec.Status != store.ExecutionStatusFailed {
		t.Errorf("expected failed, got %s", exec.Status)
	}
	if exec.Error == nil {
		t.Error("expected error to be recorded")
	}
	if len(h.store.Transactions(h.org)) != 1 {
		t.Errorf("expected only the grant row, got %d rows", len(h.store.Transactions(h.org)))
	}
	if len(h.gen.Calls()) != 0 {
		t.Errorf("expected no generation, got %v", h.gen.Calls())
	}
}

func TestSubmit_MidRunCreditExhaustion(t *testing.T) {
	h := newHarness(t, 3*unitCredits)
	ctx := context.Background()

	// Another consumer spends credits while the second unit is generating.
	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID == "boho" {
			if _, err := h.ledger.Deduct(ctx, h.org, unitCredits, "other-batch", "manual"); err != nil {
				t.Errorf("concurrent deduct failed: %v", err)
			}
		}
	}

	id, err := h.engine.Submit(ctx, h.org, store.BatchConfig{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.Stats.Created != 2 || exec.Stats.ErrorsCount != 1 {
		t.Errorf("expected created=2 errors=1, got %+v", exec.Stats)
	}
	if len(exec.UnitErrors) != 1 || exec.UnitErrors[0].UnitID != "industrial" || exec.UnitErrors[0].Step != "credits" {
		t.Errorf("unexpected unit errors: %+v", exec.UnitErrors)
	}
	if calls := h.gen.Calls(); len(calls) != 2 {
		t.Errorf("expected the third unit never to be generated, got %v", calls)
	}
	if len(h.refunds()) != 0 {
		t.Errorf("expected no refunds, got %d", len(h.refunds()))
	}
	if got := h.balance(t); got != 0 {
		t.Errorf("expected balance 0, got %d", got)
	}
}

func TestSubmit_FailedUnitIsRefundedOnce(t *testing.T) {
	h := newHarness(t, 100)
	h.gen.fail["boho"] = &pipeline.StepError{Step: pipeline.StepImages, Err: pipeline.ErrPartialImages}

	id, err := h.engine.Submit(context.Background(), h.org, store.BatchConfig{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.Stats.Created != 2 || exec.Stats.ErrorsCount != 1 {
		t.Errorf("unexpected stats: %+v", exec.Stats)
	}
	if len(exec.UnitErrors) != 1 || exec.UnitErrors[0].Step != "images" {
		t.Errorf("unexpected unit errors: %+v", exec.UnitErrors)
	}
	refunds := h.refunds()
	if len(refunds) != 1 {
		t.Fatalf("expected 1 refund, got %d", len(refunds))
	}
	if want := ledger.UnitReference(id, 0, "boho"); refunds[0].ReferenceID != want || refunds[0].Amount != unitCredits {
		t.Errorf("unexpected refund: %+v", refunds[0])
	}
	// Failed calls are still observed.
	if exec.CallCounts.Selection != 3 || exec.CallCounts.MainContent != 2 {
		t.Errorf("unexpected call counts: %+v", exec.CallCounts)
	}
	if got := h.balance(t); got != 100-2*unitCredits {
		t.Errorf("expected balance %d, got %d", 100-2*unitCredits, got)
	}
}

func TestSubmit_AllUnitsFailedIsStillCompleted(t *testing.T) {
	h := newHarness(t, 100)
	for _, id := range []string{"japandi", "boho", "industrial"} {
		h.gen.fail[id] = &pipeline.StepError{Step: pipeline.StepSelection, Err: pipeline.ErrProvider}
	}

	id, err := h.engine.Submit(context.Background(), h.org, store.BatchConfig{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusCompleted {
		t.Errorf("expected completed, got %s", exec.Status)
	}
	if exec.Stats.Created != 0 || exec.Stats.ErrorsCount != 3 {
		t.Errorf("unexpected stats: %+v", exec.Stats)
	}
	if got := h.balance(t); got != 100 {
		t.Errorf("expected every unit refunded, balance %d", got)
	}
}

func TestSubmit_DryRunChargesNothing(t *testing.T) {
	h := newHarness(t, 0)

	id, err := h.engine.Submit(context.Background(), h.org, store.BatchConfig{DryRun: true, GenerateImages: true})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.Stats.Skipped != 3 || exec.Stats.Created != 0 {
		t.Errorf("unexpected stats: %+v", exec.Stats)
	}
	if exec.EstimatedCredits != 0 {
		t.Errorf("expected zero estimate, got %d", exec.EstimatedCredits)
	}
	if len(h.gen.Calls()) != 0 || len(h.store.Transactions(h.org)) != 0 {
		t.Error("expected no generation and no ledger rows")
	}
}

func TestSubmit_ExistingContent(t *testing.T) {
	tests := []struct {
		name        string
		overwrite   bool
		wantCreated int
		wantUpdated int
		wantSkipped int
	}{
		{name: "kept", wantCreated: 1, wantSkipped: 1},
		{name: "overwritten", overwrite: true, wantCreated: 1, wantUpdated: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New()
			h := newHarnessWithRepo(t, mem, mem, 100)
			org := uuid.New()
			h.org = org
			mem.AddUnits(org,
				store.WorkUnit{ID: "coastal", Name: "Coastal", HasContent: true},
				store.WorkUnit{ID: "nordic", Name: "Nordic"},
			)
			if _, err := h.ledger.Grant(context.Background(), org, 100, "test"); err != nil {
				t.Fatal(err)
			}

			id, err := h.engine.Submit(context.Background(), org, store.BatchConfig{Overwrite: tt.overwrite})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			exec := h.wait(t, id)

			if exec.Stats.Created != tt.wantCreated || exec.Stats.Updated != tt.wantUpdated || exec.Stats.Skipped != tt.wantSkipped {
				t.Errorf("unexpected stats: %+v", exec.Stats)
			}
			if got := len(h.usage()); got != tt.wantCreated+tt.wantUpdated {
				t.Errorf("expected %d usage rows, got %d", tt.wantCreated+tt.wantUpdated, got)
			}
		})
	}
}

func TestSubmit_InvalidConfig(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.engine.Submit(context.Background(), h.org, store.BatchConfig{PriceTier: "platinum"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestStop_AfterFirstUnit(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	id := h.nextID

	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID == "japandi" {
			if err := h.engine.Stop(ctx, id); err != nil {
				t.Errorf("Stop failed: %v", err)
			}
		}
	}

	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusStopped {
		t.Fatalf("expected stopped, got %s", exec.Status)
	}
	if len(exec.GeneratedUnits) != 1 || exec.GeneratedUnits[0].UnitID != "japandi" {
		t.Errorf("expected exactly the first unit, got %+v", exec.GeneratedUnits)
	}
	if got := len(h.usage()); got != 1 {
		t.Errorf("expected the second unit never to be deducted, got %d usage rows", got)
	}
	if err := h.engine.Stop(ctx, id); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning on second stop, got %v", err)
	}
}

func TestResume_ProcessesOnlyRemainingUnits(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	id := h.nextID

	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID == "japandi" {
			_ = h.engine.Stop(ctx, id)
		}
	}
	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.wait(t, id)

	h.gen.mu.Lock()
	h.gen.hook = nil
	h.gen.mu.Unlock()

	if err := h.engine.Resume(ctx, id); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if len(exec.GeneratedUnits) != 3 {
		t.Errorf("expected 3 generated units, got %d", len(exec.GeneratedUnits))
	}
	if exec.Phase != 1 || exec.Stats.AlreadyDone != 1 {
		t.Errorf("expected phase 1 with 1 unit already done, got phase %d stats %+v", exec.Phase, exec.Stats)
	}
	calls := h.gen.Calls()
	want := []string{"japandi", "boho", "industrial"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("expected calls %v, got %v", want, calls)
			break
		}
	}

	usage := h.usage()
	if len(usage) != 3 {
		t.Fatalf("expected exactly 3 usage transactions, got %d", len(usage))
	}
	seen := map[string]bool{}
	for _, tx := range usage {
		_, _, unitID, err := ledger.ParseUnitReference(tx.ReferenceID)
		if err != nil {
			t.Fatalf("bad reference %q: %v", tx.ReferenceID, err)
		}
		if seen[unitID] {
			t.Errorf("unit %s charged twice", unitID)
		}
		seen[unitID] = true
	}

	if err := h.engine.Resume(ctx, id); !errors.Is(err, ErrNotResumable) {
		t.Errorf("expected ErrNotResumable for completed execution, got %v", err)
	}
}

func TestResume_RetriesFailedUnitsUnderNewReference(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	id := h.nextID
	h.gen.fail["boho"] = &pipeline.StepError{Step: pipeline.StepMainContent, Err: pipeline.ErrProvider}
	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID == "boho" {
			_ = h.engine.Stop(ctx, id)
		}
	}

	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)
	if exec.Status != store.ExecutionStatusStopped || exec.Stats.ErrorsCount != 1 {
		t.Fatalf("expected stopped with 1 error, got %s %+v", exec.Status, exec.Stats)
	}

	h.gen.mu.Lock()
	delete(h.gen.fail, "boho")
	h.gen.hook = nil
	h.gen.mu.Unlock()

	if err := h.engine.Resume(ctx, id); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	exec = h.wait(t, id)

	if exec.Stats.Created != 3 || exec.Stats.ErrorsCount != 0 || len(exec.UnitErrors) != 0 {
		t.Errorf("unexpected stats after retry: %+v %+v", exec.Stats, exec.UnitErrors)
	}
	if exec.Stats.Processed() > exec.Stats.TotalCandidates {
		t.Errorf("processed %d exceeds total %d", exec.Stats.Processed(), exec.Stats.TotalCandidates)
	}
	refunds := h.refunds()
	if len(refunds) != 1 || refunds[0].ReferenceID != ledger.UnitReference(id, 0, "boho") {
		t.Errorf("expected one refund for the first attempt, got %+v", refunds)
	}
	if got := h.balance(t); got != 100-3*unitCredits {
		t.Errorf("expected balance %d, got %d", 100-3*unitCredits, got)
	}
}

func TestEvents_Ordering(t *testing.T) {
	h := newHarness(t, 100)
	h.gen.fail["boho"] = &pipeline.StepError{Step: pipeline.StepSelection, Err: pipeline.ErrProvider}
	id := h.nextID

	sub := h.hub.Subscribe(id)
	defer sub.Close()

	if _, err := h.engine.Submit(context.Background(), h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	events := collectEvents(t, sub.Events())

	want := []api.EventType{
		api.EventStart,
		api.EventUnitCompleted, api.EventMetrics, api.EventProgress,
		api.EventMetrics, api.EventProgress,
		api.EventUnitCompleted, api.EventMetrics, api.EventProgress,
		api.EventComplete,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, w := range want {
		if events[i].Type != w {
			t.Errorf("event %d: expected %s, got %s", i, w, events[i].Type)
		}
		if events[i].ExecutionID != id.String() {
			t.Errorf("event %d carries execution %s", i, events[i].ExecutionID)
		}
	}
	if events[5].Error == "" || events[5].UnitID != "boho" {
		t.Errorf("expected error-tagged progress for boho, got %+v", events[5])
	}
	if events[8].Processed != 3 || events[8].Total != 3 {
		t.Errorf("expected final progress 3/3, got %d/%d", events[8].Processed, events[8].Total)
	}
	last := events[len(events)-1]
	if last.Stats == nil || last.Stats.Created != 2 || last.Stats.ErrorsCount != 1 || last.ActualCost == nil {
		t.Errorf("unexpected summary: %+v", last)
	}
}

func TestSubscribe_TerminalExecution(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, h.org, store.BatchConfig{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.wait(t, id)

	events, unsubscribe, err := h.engine.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	got := collectEvents(t, events)
	if len(got) != 1 || got[0].Type != api.EventComplete || got[0].Status != "completed" {
		t.Errorf("expected a single complete event, got %+v", got)
	}

	if _, _, err := h.engine.Subscribe(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// failingRepo fails exactly one SaveExecution call.
type failingRepo struct {
	*memory.Store
	mu     sync.Mutex
	saves  int
	failOn int
}

func (r *failingRepo) SaveExecution(ctx context.Context, exec *store.Execution) error {
	r.mu.Lock()
	r.saves++
	n := r.saves
	r.mu.Unlock()
	if n == r.failOn {
		return errors.New("connection reset")
	}
	return r.Store.SaveExecution(ctx, exec)
}

func TestStateStoreFailureFailsExecution(t *testing.T) {
	mem := memory.New()
	// pending, running, first in-flight checkpoint, first outcome
	repo := &failingRepo{Store: mem, failOn: 4}
	h := newHarnessWithRepo(t, mem, repo, 100)
	id := h.nextID

	sub := h.hub.Subscribe(id)
	defer sub.Close()

	if _, err := h.engine.Submit(context.Background(), h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	events := collectEvents(t, sub.Events())
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if exec.Error == nil {
		t.Fatal("expected error to be recorded")
	}
	if last := events[len(events)-1]; last.Type != api.EventError || last.Error == "" {
		t.Errorf("expected terminal error event, got %+v", last)
	}
	if !strings.Contains(*exec.Error, "execution store save") {
		t.Errorf("unexpected error: %s", *exec.Error)
	}
	if calls := h.gen.Calls(); len(calls) != 1 {
		t.Errorf("expected processing to stop after the failed checkpoint, got %v", calls)
	}
}

func TestStop_Errors(t *testing.T) {
	h := newHarness(t, 100)
	if err := h.engine.Stop(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := h.engine.Resume(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestShutdownAndRecover(t *testing.T) {
	mem := memory.New()
	h := newHarnessWithRepo(t, mem, mem, 100)
	ctx := context.Background()
	id := h.nextID

	shutdownErr := make(chan error, 1)
	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID != "japandi" {
			return
		}
		go func() { shutdownErr <- h.engine.Shutdown(ctx) }()
		for !h.engine.isClosing() {
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case err := <-shutdownErr:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	exec, err := mem.LoadExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecutionStatusRunning || len(exec.GeneratedUnits) != 1 {
		t.Fatalf("expected paused running execution with 1 unit, got %s with %d", exec.Status, len(exec.GeneratedUnits))
	}
	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}

	// A new process picks the execution up.
	restarted := New(Config{
		Executions: mem,
		Candidates: mem,
		Content:    mem,
		Ledger:     h.ledger,
		Generator:  &fakeGenerator{},
		Hub:        stream.NewHub(8, logger.Discard()),
		Logger:     logger.Discard(),
	})
	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	select {
	case <-restarted.done(id):
	case <-time.After(5 * time.Second):
		t.Fatal("recovered execution did not finish")
	}

	exec, err = mem.LoadExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecutionStatusCompleted || len(exec.GeneratedUnits) != 3 {
		t.Errorf("expected completed with 3 units, got %s with %d", exec.Status, len(exec.GeneratedUnits))
	}
	if got := len(h.usage()); got != 3 {
		t.Errorf("expected 3 usage rows, got %d", got)
	}
}

func TestRecover_RefundsInFlightUnit(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	id := uuid.New()

	// A previous process deducted for the first unit and crashed mid-unit.
	ref := ledger.UnitReference(id, 0, "japandi")
	txID, err := h.ledger.Deduct(ctx, h.org, unitCredits, ref, store.ReferenceTypeUnit)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	crashed := &store.Execution{
		ID:             id,
		OrganizationID: h.org,
		Status:         store.ExecutionStatusRunning,
		Stats:          store.ExecutionStats{TotalCandidates: 3},
		CandidateIDs:   []string{"japandi", "boho", "industrial"},
		InFlight: &store.InFlightUnit{
			UnitID: "japandi", ReferenceID: ref, TransactionID: txID, Amount: unitCredits, DeductedAt: now,
		},
		StartedAt: &now,
		CreatedAt: now,
	}
	if err := h.store.SaveExecution(ctx, crashed); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	exec := h.wait(t, id)

	if exec.Status != store.ExecutionStatusCompleted || exec.Stats.Created != 3 {
		t.Fatalf("unexpected result: %s %+v", exec.Status, exec.Stats)
	}
	refunds := h.refunds()
	if len(refunds) != 1 || refunds[0].ReferenceID != ref {
		t.Errorf("expected the in-flight deduction refunded once, got %+v", refunds)
	}
	if got := h.balance(t); got != 100-3*unitCredits {
		t.Errorf("expected balance %d, got %d", 100-3*unitCredits, got)
	}

	// A later sweep finds nothing left to refund.
	res, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Refunded != 0 {
		t.Errorf("expected nothing left to refund, got %+v", res)
	}
}

func TestRecover_FailsInterruptedPending(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	id := uuid.New()
	if err := h.store.SaveExecution(ctx, &store.Execution{
		ID: id, OrganizationID: h.org, Status: store.ExecutionStatusPending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	exec, err := h.engine.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecutionStatusFailed || exec.Error == nil {
		t.Errorf("expected failed with error, got %s", exec.Status)
	}
}

func TestIsOrphaned(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, h.org, store.BatchConfig{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)

	tests := []struct {
		name string
		ref  string
		org  uuid.UUID
		want bool
	}{
		{name: "generated unit", ref: exec.GeneratedUnits[0].ReferenceID, org: h.org, want: false},
		{name: "unit without outcome", ref: ledger.UnitReference(id, 3, "boho"), org: h.org, want: true},
		{name: "unknown execution", ref: ledger.UnitReference(uuid.New(), 0, "boho"), org: h.org, want: true},
		{name: "other organization", ref: ledger.UnitReference(id, 3, "boho"), org: uuid.New(), want: false},
		{name: "foreign reference", ref: "invoice-42", org: h.org, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.engine.IsOrphaned(ctx, store.CreditTransaction{OrganizationID: tt.org, ReferenceID: tt.ref})
			if err != nil {
				t.Fatalf("IsOrphaned failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsOrphaned(%s) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}

func (e *Engine) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// peer builds a second controller process on the same stores as h.
func (h *harness) peer(instanceID string, now func() time.Time) (*Engine, *fakeGenerator) {
	gen := &fakeGenerator{fail: map[string]error{}}
	e := New(Config{
		Executions: h.store,
		Candidates: h.store,
		Content:    h.store,
		Ledger:     h.ledger,
		Generator:  gen,
		Hub:        stream.NewHub(8, logger.Discard()),
		Logger:     logger.Discard(),
		InstanceID: instanceID,
	})
	if now != nil {
		e.now = now
	}
	return e, gen
}

// blockOn makes the generator of h wait inside unitID until the returned
// release func is called. started is closed once the unit is entered.
func (h *harness) blockOn(unitID string) (started <-chan struct{}, release func()) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID != unitID {
			return
		}
		once.Do(func() { close(entered) })
		<-gate
	}
	var releaseOnce sync.Once
	return entered, func() { releaseOnce.Do(func() { close(gate) }) }
}

func assertChargedOnce(t *testing.T, h *harness, charged []store.CreditTransaction) {
	t.Helper()
	refunded := map[string]bool{}
	for _, tx := range h.refunds() {
		refunded[tx.ReferenceID] = true
	}
	perUnit := map[string]int{}
	for _, tx := range charged {
		if refunded[tx.ReferenceID] {
			continue
		}
		_, _, unitID, err := ledger.ParseUnitReference(tx.ReferenceID)
		if err != nil {
			t.Fatalf("bad reference %q: %v", tx.ReferenceID, err)
		}
		perUnit[unitID]++
	}
	for _, unitID := range []string{"japandi", "boho", "industrial"} {
		if perUnit[unitID] != 1 {
			t.Errorf("unit %s charged %d times net, want 1", unitID, perUnit[unitID])
		}
	}
	if got := h.balance(t); got != 100-3*unitCredits {
		t.Errorf("expected balance %d, got %d", 100-3*unitCredits, got)
	}
}

func TestRecover_LeavesExecutionLeasedByLiveProcess(t *testing.T) {
	h := newHarness(t, 100)
	h.engine.owner = "controller-a"
	ctx := context.Background()
	id := h.nextID

	started, release := h.blockOn("japandi")
	defer release()
	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	other, otherGen := h.peer("controller-b", nil)
	if err := other.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if other.isActive(id) {
		t.Fatal("expected the execution not to be adopted while its lease is live")
	}
	if calls := otherGen.Calls(); len(calls) != 0 {
		t.Errorf("expected no units processed by the other process, got %v", calls)
	}
	if refunds := h.refunds(); len(refunds) != 0 {
		t.Errorf("expected the in-flight deduction to be left alone, got %+v", refunds)
	}

	usage := h.usage()
	if len(usage) != 1 {
		t.Fatalf("expected one in-flight deduction, got %d", len(usage))
	}
	orphaned, err := other.IsOrphaned(ctx, usage[0])
	if err != nil {
		t.Fatalf("IsOrphaned failed: %v", err)
	}
	if orphaned {
		t.Error("expected the in-flight deduction of a leased execution not to be orphaned")
	}
	if err := other.Stop(ctx, id); !errors.Is(err, ErrNotRunning) || !strings.Contains(err.Error(), "controller-a") {
		t.Errorf("expected ErrNotRunning naming the owner, got %v", err)
	}
	if err := other.Resume(ctx, id); !errors.Is(err, ErrNotResumable) {
		t.Errorf("expected ErrNotResumable, got %v", err)
	}

	release()
	exec := h.wait(t, id)
	if exec.Status != store.ExecutionStatusCompleted || len(exec.GeneratedUnits) != 3 {
		t.Fatalf("expected completed with 3 units, got %s with %d", exec.Status, len(exec.GeneratedUnits))
	}
	if got := len(h.usage()); got != 3 {
		t.Errorf("expected 3 usage rows, got %d", got)
	}
	assertChargedOnce(t, h, h.usage())

	stored, err := h.store.LoadExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Owner != "" || stored.LeaseUntil != nil {
		t.Errorf("expected the lease released after completion, got owner %q until %v", stored.Owner, stored.LeaseUntil)
	}
}

func TestRecover_TakesOverExpiredLease(t *testing.T) {
	h := newHarness(t, 100)
	h.engine.owner = "controller-a"
	ctx := context.Background()
	id := h.nextID

	started, release := h.blockOn("japandi")
	defer release()
	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	// The first process stopped renewing an hour ago.
	later := func() time.Time { return time.Now().UTC().Add(time.Hour) }
	other, otherGen := h.peer("controller-b", later)
	if err := other.Adopt(ctx); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	select {
	case <-other.done(id):
	case <-time.After(5 * time.Second):
		t.Fatal("adopted execution did not finish")
	}
	if calls := otherGen.Calls(); len(calls) != 3 {
		t.Errorf("expected the new owner to process all 3 units, got %v", calls)
	}
	refunds := h.refunds()
	if len(refunds) != 1 || refunds[0].ReferenceID != ledger.UnitReference(id, 0, "japandi") {
		t.Errorf("expected the abandoned deduction refunded once, got %+v", refunds)
	}

	// The displaced process wakes up and must not write over the new owner.
	release()
	h.wait(t, id)

	exec, err := h.store.LoadExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecutionStatusCompleted || exec.Phase != 1 || len(exec.GeneratedUnits) != 3 {
		t.Fatalf("expected the new owner's completed phase 1, got %s phase %d with %d units",
			exec.Status, exec.Phase, len(exec.GeneratedUnits))
	}
	for _, u := range exec.GeneratedUnits {
		if _, phase, _, _ := ledger.ParseUnitReference(u.ReferenceID); phase != 1 {
			t.Errorf("unit %s recorded under phase %d, want 1", u.UnitID, phase)
		}
	}
	if calls := h.gen.Calls(); len(calls) != 1 {
		t.Errorf("expected the displaced process to stop after its unit, got %v", calls)
	}
	assertChargedOnce(t, h, h.usage())
}

func TestHeartbeat_RenewsLease(t *testing.T) {
	h := newHarness(t, 100)
	h.engine.lease = 30 * time.Millisecond
	ctx := context.Background()
	id := h.nextID

	started, release := h.blockOn("japandi")
	defer release()
	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	first, err := h.store.LoadExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	renewed, err := h.store.LoadExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if renewed.LeaseUntil == nil || !renewed.LeaseUntil.After(*first.LeaseUntil) {
		t.Errorf("expected the lease extended past %v, got %v", first.LeaseUntil, renewed.LeaseUntil)
	}
	if !renewed.LeaseLive(time.Now()) {
		t.Error("expected the lease to stay live while the unit runs")
	}

	release()
	if exec := h.wait(t, id); exec.Status != store.ExecutionStatusCompleted {
		t.Errorf("expected completed, got %s", exec.Status)
	}
}

func TestLostLease_StopsRun(t *testing.T) {
	h := newHarness(t, 100)
	h.engine.lease = 30 * time.Millisecond
	ctx := context.Background()
	id := h.nextID

	// Another process claims the execution while the first unit runs.
	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID != "japandi" {
			return
		}
		later := time.Now().UTC().Add(time.Hour)
		if _, err := h.store.ClaimExecution(ctx, id, "controller-b", later, later.Add(time.Minute)); err != nil {
			t.Errorf("ClaimExecution failed: %v", err)
		}
	}
	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.wait(t, id)

	exec, err := h.store.LoadExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecutionStatusRunning || len(exec.GeneratedUnits) != 0 {
		t.Errorf("expected the record left to the new owner, got %s with %d units", exec.Status, len(exec.GeneratedUnits))
	}
	if exec.Owner != "controller-b" {
		t.Errorf("expected the new owner to keep its lease, got %q", exec.Owner)
	}
	if calls := h.gen.Calls(); len(calls) != 1 {
		t.Errorf("expected the displaced run to stop, got %v", calls)
	}
}

func TestStop_DuringLastUnitIsRejected(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	id := h.nextID

	stopErr := make(chan error, 1)
	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID == "industrial" {
			stopErr <- h.engine.Stop(ctx, id)
		}
	}
	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)

	if err := <-stopErr; !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning once the last unit started, got %v", err)
	}
	if exec.Status != store.ExecutionStatusCompleted || len(exec.GeneratedUnits) != 3 {
		t.Errorf("expected completed with 3 units, got %s with %d", exec.Status, len(exec.GeneratedUnits))
	}
}

func TestStop_BeforeLastUnit(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	id := h.nextID

	h.gen.hook = func(unit store.WorkUnit) {
		if unit.ID == "boho" {
			if err := h.engine.Stop(ctx, id); err != nil {
				t.Errorf("Stop before the last unit failed: %v", err)
			}
		}
	}
	if _, err := h.engine.Submit(ctx, h.org, store.BatchConfig{}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	exec := h.wait(t, id)
	if exec.Status != store.ExecutionStatusStopped || len(exec.GeneratedUnits) != 2 {
		t.Errorf("expected stopped with 2 units, got %s with %d", exec.Status, len(exec.GeneratedUnits))
	}
}
