package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"boardgen/internal/auth"
	"boardgen/internal/store"
	"boardgen/pkg/api"

	"github.com/google/uuid"
)

// CreateOrganization handles POST /organizations (Admin Only).
// It generates a new API Key, hashes it for storage, and returns the raw key ONCE.
func (h *Handlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}
	if req.InitialCredits < 0 {
		h.httpError(w, "Initial credits must not be negative", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.GenerateKey()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	org := &store.Organization{
		ID:        uuid.New(),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateOrganization(ctx, org, auth.HashKey(apiKey)); err != nil {
		h.httpError(w, "Failed to create organization", http.StatusInternalServerError)
		return
	}

	if req.InitialCredits > 0 {
		if _, err := h.ledger.Grant(ctx, org.ID, req.InitialCredits, "initial:"+org.ID.String()); err != nil {
			h.httpError(w, "Failed to grant initial credits", http.StatusInternalServerError)
			return
		}
	}

	// The only time the caller sees the raw key
	h.respondJson(w, http.StatusCreated, api.CreateOrganizationResponse{
		ID:     org.ID.String(),
		Name:   org.Name,
		ApiKey: apiKey,
	})
}

// GetBalance handles GET /balance.
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(r.Context(), orgID)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.BalanceResponse{OrganizationID: orgID.String(), Balance: balance})
}

// GrantCredits handles POST /credits/grants (Admin Only).
func (h *Handlers) GrantCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.GrantCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		h.httpError(w, "Invalid organization id", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		h.httpError(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Organization not found", http.StatusNotFound)
			return
		}
		h.engineError(w, r, err)
		return
	}

	ref := req.Reference
	if ref == "" {
		ref = "grant:" + uuid.NewString()
	}
	txID, err := h.ledger.Grant(ctx, orgID, req.Amount, ref)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	balance, err := h.ledger.Balance(ctx, orgID)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, api.GrantCreditsResponse{TransactionID: txID.String(), Balance: balance})
}
