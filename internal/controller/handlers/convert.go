package handlers

import (
	"boardgen/internal/store"
	"boardgen/pkg/api"
)

func fromAPIConfig(c api.BatchConfig) store.BatchConfig {
	return store.BatchConfig{
		UnitCount: c.UnitCount,
		Filters: store.UnitFilters{
			CategoryIDs: c.Filters.CategoryIDs,
			StyleIDs:    c.Filters.StyleIDs,
			OnlyMissing: c.Filters.OnlyMissing,
		},
		GenerateImages:       c.GenerateImages,
		GenerateRoomProfiles: c.GenerateRoomProfiles,
		Rooms:                c.Rooms,
		MaterialShots:        c.MaterialShots,
		TextureShots:         c.TextureShots,
		PriceTier:            store.PriceTier(c.PriceTier),
		Overwrite:            c.Overwrite,
		DryRun:               c.DryRun,
	}
}

func toAPIConfig(c store.BatchConfig) api.BatchConfig {
	return api.BatchConfig{
		UnitCount: c.UnitCount,
		Filters: api.Filters{
			CategoryIDs: c.Filters.CategoryIDs,
			StyleIDs:    c.Filters.StyleIDs,
			OnlyMissing: c.Filters.OnlyMissing,
		},
		GenerateImages:       c.GenerateImages,
		GenerateRoomProfiles: c.GenerateRoomProfiles,
		Rooms:                c.Rooms,
		MaterialShots:        c.MaterialShots,
		TextureShots:         c.TextureShots,
		PriceTier:            string(c.PriceTier),
		Overwrite:            c.Overwrite,
		DryRun:               c.DryRun,
	}
}

func toExecutionResponse(e *store.Execution) api.ExecutionResponse {
	resp := api.ExecutionResponse{
		ID:     e.ID.String(),
		Status: string(e.Status),
		Config: toAPIConfig(e.Config),
		Stats: api.Stats{
			TotalCandidates: e.Stats.TotalCandidates,
			AlreadyDone:     e.Stats.AlreadyDone,
			Created:         e.Stats.Created,
			Updated:         e.Stats.Updated,
			Skipped:         e.Stats.Skipped,
			ErrorsCount:     e.Stats.ErrorsCount,
		},
		GeneratedUnits: make([]api.GeneratedUnit, 0, len(e.GeneratedUnits)),
		CallCounts: api.CallCounts{
			Selection:    e.CallCounts.Selection,
			MainContent:  e.CallCounts.MainContent,
			RoomProfile:  e.CallCounts.RoomProfile,
			Images:       e.CallCounts.Images,
			InputTokens:  e.CallCounts.InputTokens,
			OutputTokens: e.CallCounts.OutputTokens,
		},
		EstimatedCost:    e.EstimatedCost,
		EstimatedCredits: e.EstimatedCredits,
		ActualCost:       e.ActualCost,
		Error:            e.Error,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
		DurationMs:       e.DurationMs,
		CreatedAt:        e.CreatedAt,
	}
	for _, u := range e.GeneratedUnits {
		resp.GeneratedUnits = append(resp.GeneratedUnits, api.GeneratedUnit{
			UnitID:            u.UnitID,
			Name:              u.Name,
			ExternalReference: u.ExternalReference,
		})
	}
	for _, ue := range e.UnitErrors {
		resp.UnitErrors = append(resp.UnitErrors, api.UnitError{UnitID: ue.UnitID, Step: ue.Step, Message: ue.Message})
	}
	return resp
}

func toAPIUnit(u store.WorkUnit) api.Unit {
	return api.Unit{
		ID:           u.ID,
		Name:         u.Name,
		Description:  u.Description,
		CategoryID:   u.CategoryID,
		CategoryName: u.CategoryName,
		HasContent:   u.HasContent,
	}
}
