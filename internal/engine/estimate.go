package engine

import (
	"context"
	"fmt"

	"boardgen/internal/estimator"
	"boardgen/internal/store"

	"github.com/google/uuid"
)

// Preview is the cost of a batch before it is submitted.
type Preview struct {
	Candidates int
	Cost       estimator.Cost
	Balance    int64
	Sufficient bool
}

// Estimate prices cfg the way Submit would, without creating an execution.
func (e *Engine) Estimate(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) (Preview, error) {
	if err := validate(cfg); err != nil {
		return Preview{}, err
	}
	cfg = cfg.WithDefaults()

	units, err := e.candidates.ListCandidateUnits(ctx, orgID, cfg)
	if err != nil {
		return Preview{}, fmt.Errorf("list candidate units: %w", err)
	}
	cost := estimator.Estimate(cfg, billable(&store.Execution{Config: cfg}, units))

	balance, err := e.ledger.Balance(ctx, orgID)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Candidates: len(units),
		Cost:       cost,
		Balance:    balance,
		Sufficient: balance >= cost.Credits,
	}, nil
}
