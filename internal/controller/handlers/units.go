package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"boardgen/internal/store"
	"boardgen/pkg/api"
)

const maxImportUnits = 5000

// ImportUnits handles POST /units. Units are upserted by id and the request
// order becomes the catalog order.
func (h *Handlers) ImportUnits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	var req api.ImportUnitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Units) == 0 || len(req.Units) > maxImportUnits {
		h.httpError(w, "Between 1 and 5000 units are required", http.StatusBadRequest)
		return
	}

	units := make([]store.WorkUnit, 0, len(req.Units))
	seen := make(map[string]bool, len(req.Units))
	for _, u := range req.Units {
		u.ID = strings.TrimSpace(u.ID)
		if u.ID == "" || u.Name == "" {
			h.httpError(w, "Every unit needs an id and a name", http.StatusBadRequest)
			return
		}
		if seen[u.ID] {
			h.httpError(w, "Duplicate unit id "+u.ID, http.StatusBadRequest)
			return
		}
		seen[u.ID] = true
		units = append(units, store.WorkUnit{
			ID:             u.ID,
			OrganizationID: orgID,
			Name:           u.Name,
			Description:    u.Description,
			CategoryID:     u.CategoryID,
			CategoryName:   u.CategoryName,
		})
	}

	if err := h.store.UpsertWorkUnits(r.Context(), orgID, units); err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, api.ImportUnitsResponse{Imported: len(units)})
}

// ListUnits handles GET /units?category_id=&only_missing=true.
func (h *Handlers) ListUnits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}

	cfg := store.BatchConfig{}
	if c := r.URL.Query().Get("category_id"); c != "" {
		cfg.Filters.CategoryIDs = strings.Split(c, ",")
	}
	cfg.Filters.OnlyMissing = r.URL.Query().Get("only_missing") == "true"

	units, err := h.store.ListCandidateUnits(r.Context(), orgID, cfg)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	resp := api.ListUnitsResponse{Units: make([]api.Unit, 0, len(units))}
	for _, u := range units {
		resp.Units = append(resp.Units, toAPIUnit(u))
	}
	h.respondJson(w, http.StatusOK, resp)
}
