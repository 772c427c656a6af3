package engine

import (
	"boardgen/internal/estimator"
	"boardgen/internal/store"
	"boardgen/pkg/api"
)

func (e *Engine) event(exec *store.Execution, t api.EventType) api.Event {
	return api.Event{
		Type:        t,
		ExecutionID: exec.ID.String(),
		Timestamp:   e.now(),
		Status:      string(exec.Status),
		Processed:   exec.Stats.Processed(),
		Total:       exec.Stats.TotalCandidates,
	}
}

func (e *Engine) progressEvent(exec *store.Execution, unitID, errMsg string) api.Event {
	ev := e.event(exec, api.EventProgress)
	ev.UnitID = unitID
	ev.Error = errMsg
	ev.Stats = apiStats(exec.Stats)
	return ev
}

func (e *Engine) metricsEvent(exec *store.Execution, delta store.CallCounts) api.Event {
	ev := e.event(exec, api.EventMetrics)
	ev.CallCounts = apiCalls(delta)
	cost := estimator.Actual(exec.Config.PriceTier, delta).Total
	ev.ActualCost = &cost
	return ev
}

// terminalEvent summarizes a finished phase: complete for completed and
// stopped executions, error for failed ones.
func (e *Engine) terminalEvent(exec *store.Execution) api.Event {
	t := api.EventComplete
	if exec.Status == store.ExecutionStatusFailed {
		t = api.EventError
	}
	ev := e.event(exec, t)
	ev.Stats = apiStats(exec.Stats)
	ev.CallCounts = apiCalls(exec.CallCounts)
	ev.ActualCost = exec.ActualCost
	if exec.Error != nil {
		ev.Error = *exec.Error
	}
	return ev
}

func apiStats(s store.ExecutionStats) *api.Stats {
	return &api.Stats{
		TotalCandidates: s.TotalCandidates,
		AlreadyDone:     s.AlreadyDone,
		Created:         s.Created,
		Updated:         s.Updated,
		Skipped:         s.Skipped,
		ErrorsCount:     s.ErrorsCount,
	}
}

func apiCalls(c store.CallCounts) *api.CallCounts {
	return &api.CallCounts{
		Selection:    c.Selection,
		MainContent:  c.MainContent,
		RoomProfile:  c.RoomProfile,
		Images:       c.Images,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
	}
}
