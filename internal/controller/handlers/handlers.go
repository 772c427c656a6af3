// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"boardgen/internal/controller/middleware"
	"boardgen/internal/engine"
	"boardgen/internal/ledger"
	"boardgen/internal/logger"
	"boardgen/internal/store"
	"boardgen/pkg/api"

	"github.com/google/uuid"
)

// Engine is the execution API used by the handlers.
type Engine interface {
	Submit(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) (uuid.UUID, error)
	Estimate(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) (engine.Preview, error)
	Get(ctx context.Context, id uuid.UUID) (*store.Execution, error)
	Stop(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan api.Event, func(), error)
}

// Ledger is the credit API used by the handlers.
type Ledger interface {
	Balance(ctx context.Context, orgID uuid.UUID) (int64, error)
	Grant(ctx context.Context, orgID uuid.UUID, amount int64, referenceID string) (uuid.UUID, error)
}

// StoreFactory combines the storage interfaces the controller needs directly.
type StoreFactory interface {
	Ping(ctx context.Context) error
	store.OrganizationStore
	store.CandidateSource
	store.UnitCatalog
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	engine Engine
	ledger Ledger
	store  StoreFactory
	logger *slog.Logger

	draining  atomic.Bool
	drainOnce sync.Once
	drained   chan struct{} // Closed by SetDraining, ends open streams
}

// New creates a new Handlers instance.
func New(e Engine, l Ledger, s StoreFactory, log *slog.Logger) *Handlers {
	return &Handlers{engine: e, ledger: l, store: s, logger: log, drained: make(chan struct{})}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// engineError maps engine and ledger errors to HTTP responses.
func (h *Handlers) engineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		h.httpError(w, "Execution not found", http.StatusNotFound)
	case errors.Is(err, engine.ErrInvalidConfig):
		h.httpError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		h.httpError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, engine.ErrNotRunning), errors.Is(err, engine.ErrNotResumable):
		h.httpError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrShuttingDown):
		h.httpError(w, "Server is shutting down", http.StatusServiceUnavailable)
	default:
		logger.FromContext(r.Context(), h.logger).Error("request failed", "path", r.URL.Path, "error", err)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// orgID returns the authenticated organization or writes a 401.
func (h *Handlers) orgID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.OrganizationIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}

// ownedExecution loads the execution named by the path. Executions of other
// organizations are reported as not found.
func (h *Handlers) ownedExecution(w http.ResponseWriter, r *http.Request) (*store.Execution, bool) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid execution id", http.StatusBadRequest)
		return nil, false
	}

	exec, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return nil, false
	}
	if exec.OrganizationID != orgID {
		h.httpError(w, "Execution not found", http.StatusNotFound)
		return nil, false
	}
	return exec, true
}
