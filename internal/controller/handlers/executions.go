package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"boardgen/internal/ledger"
	"boardgen/internal/logger"
	"boardgen/pkg/api"

	"github.com/google/uuid"
)

// SubmitExecution handles POST /executions.
// A batch the balance cannot cover is still recorded, as failed, and answered
// with 402 and the execution id.
func (h *Handlers) SubmitExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var req api.BatchConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.engine.Submit(ctx, orgID, fromAPIConfig(req))
	if err != nil && (id == uuid.Nil || !errors.Is(err, ledger.ErrInsufficientCredits)) {
		h.engineError(w, r, err)
		return
	}

	exec, getErr := h.engine.Get(ctx, id)
	if getErr != nil {
		h.engineError(w, r, getErr)
		return
	}

	status := http.StatusAccepted
	if err != nil {
		status = http.StatusPaymentRequired
	}
	logger.FromContext(ctx, h.logger).Info("execution submitted",
		"execution_id", id, "organization_id", orgID, "status", exec.Status)

	h.respondJson(w, status, api.SubmitExecutionResponse{
		ExecutionID:      exec.ID.String(),
		Status:           string(exec.Status),
		TotalCandidates:  exec.Stats.TotalCandidates,
		EstimatedCost:    exec.EstimatedCost,
		EstimatedCredits: exec.EstimatedCredits,
	})
}

// EstimateExecution handles POST /estimates. Nothing is recorded.
func (h *Handlers) EstimateExecution(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var req api.BatchConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.engine.Estimate(r.Context(), orgID, fromAPIConfig(req))
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.EstimateResponse{
		Units:          p.Cost.Units,
		TextCost:       p.Cost.TextCost,
		ImageCost:      p.Cost.ImageCost,
		TotalCost:      p.Cost.Total,
		Credits:        p.Cost.Credits,
		PerUnitCredits: p.Cost.PerUnitCredits,
		Balance:        p.Balance,
		Sufficient:     p.Sufficient,
	})
}

// GetExecution handles GET /executions/{id}.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.ownedExecution(w, r)
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toExecutionResponse(exec))
}

// StopExecution handles POST /executions/{id}/stop. The execution stops at
// the next unit boundary, so the response may still show it running. A stop
// arriving once the last unit has started, or for an execution run by another
// controller, is answered with 409.
func (h *Handlers) StopExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.ownedExecution(w, r)
	if !ok {
		return
	}
	if err := h.engine.Stop(r.Context(), exec.ID); err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, map[string]string{"execution_id": exec.ID.String(), "status": "stopping"})
}

// ResumeExecution handles POST /executions/{id}/resume.
func (h *Handlers) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.ownedExecution(w, r)
	if !ok {
		return
	}
	if err := h.engine.Resume(r.Context(), exec.ID); err != nil {
		h.engineError(w, r, err)
		return
	}

	updated, err := h.engine.Get(r.Context(), exec.ID)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, toExecutionResponse(updated))
}
