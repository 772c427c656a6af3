package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"boardgen/internal/controller/middleware"
	"boardgen/internal/engine"
	"boardgen/internal/ledger"
	"boardgen/internal/logger"
	"boardgen/internal/store"
	"boardgen/internal/store/memory"
	"boardgen/pkg/api"

	"github.com/google/uuid"
)

// fakeEngine implements Engine for testing
type fakeEngine struct {
	mu sync.Mutex

	exec        *store.Execution
	submitErr   error
	getErr      error
	stopErr     error
	resumeErr   error
	estimateErr error
	preview     engine.Preview
	events      []api.Event
	held        chan api.Event // When set, Subscribe returns it instead of events

	// Spies
	capturedCfg store.BatchConfig
	stopped     bool
	resumed     bool
	unsubscribe int
}

func (f *fakeEngine) Submit(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturedCfg = cfg
	if f.exec == nil {
		return uuid.Nil, f.submitErr
	}
	return f.exec.ID, f.submitErr
}

func (f *fakeEngine) Estimate(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) (engine.Preview, error) {
	f.capturedCfg = cfg
	return f.preview, f.estimateErr
}

func (f *fakeEngine) Get(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.exec == nil || f.exec.ID != id {
		return nil, engine.ErrNotFound
	}
	return f.exec.Clone(), nil
}

func (f *fakeEngine) Stop(ctx context.Context, id uuid.UUID) error {
	f.stopped = f.stopErr == nil
	return f.stopErr
}

func (f *fakeEngine) Resume(ctx context.Context, id uuid.UUID) error {
	f.resumed = f.resumeErr == nil
	return f.resumeErr
}

func (f *fakeEngine) Subscribe(ctx context.Context, id uuid.UUID) (<-chan api.Event, func(), error) {
	cancel := func() {
		f.mu.Lock()
		f.unsubscribe++
		f.mu.Unlock()
	}
	if f.held != nil {
		return f.held, cancel, nil
	}
	ch := make(chan api.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, cancel, nil
}

type testEnv struct {
	h      *Handlers
	engine *fakeEngine
	store  *memory.Store
	ledger *ledger.Ledger
	org    *store.Organization
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := memory.New()
	l := ledger.New(mem, logger.Discard())
	org := &store.Organization{ID: uuid.New(), Name: "Acme Interiors", CreatedAt: time.Now()}
	if err := mem.CreateOrganization(context.Background(), org, "hash"); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	eng := &fakeEngine{}
	return &testEnv{
		h:      New(eng, l, mem, logger.Discard()),
		engine: eng,
		store:  mem,
		ledger: l,
		org:    org,
	}
}

// newExecution returns a running execution owned by the test organization.
func (env *testEnv) newExecution() *store.Execution {
	exec := &store.Execution{
		ID:               uuid.New(),
		OrganizationID:   env.org.ID,
		Status:           store.ExecutionStatusRunning,
		Stats:            store.ExecutionStats{TotalCandidates: 3, Created: 1},
		GeneratedUnits:   []store.GeneratedUnit{{UnitID: "japandi", Name: "Japandi", ExternalReference: "style_content/1", ReferenceID: "ref"}},
		EstimatedCredits: 6,
		CreatedAt:        time.Now(),
	}
	env.engine.exec = exec
	return exec
}

func newRequest(method, target, body string, org *store.Organization) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if org != nil {
		req = req.WithContext(middleware.NewContextWithOrganization(req.Context(), org))
	}
	return req
}
