package engine

import (
	"context"
	"errors"
	"fmt"

	"boardgen/internal/ledger"
	"boardgen/internal/store"

	"github.com/google/uuid"
)

// Recover runs the orphan sweep and then adopts abandoned executions.
func (e *Engine) Recover(ctx context.Context) error {
	if _, err := e.Sweep(ctx); err != nil {
		e.logger.Error("orphan sweep failed", "error", err)
	}
	return e.Adopt(ctx)
}

// Adopt resumes every running execution whose lease is free or expired and
// fails the pending ones interrupted before they started. Executions leased
// by a live process are left alone.
func (e *Engine) Adopt(ctx context.Context) error {
	var errs []error

	pending, err := e.executions.ListExecutionsByStatus(ctx, store.ExecutionStatusPending)
	if err != nil {
		return fmt.Errorf("list pending executions: %w", err)
	}
	for _, exec := range pending {
		if e.isActive(exec.ID) || exec.LeaseLive(e.now()) {
			continue
		}
		if err := e.failInterrupted(ctx, exec.ID); err != nil {
			errs = append(errs, err)
		}
	}

	running, err := e.executions.ListExecutionsByStatus(ctx, store.ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	for _, exec := range running {
		if e.isActive(exec.ID) || exec.LeaseLive(e.now()) {
			continue
		}
		err := e.resume(ctx, exec.ID, func(s store.ExecutionStatus) bool { return s == store.ExecutionStatusRunning })
		switch {
		case err == nil:
			e.logger.Info("execution recovered", "execution_id", exec.ID, "previous_owner", exec.Owner)
		case errors.Is(err, store.ErrLeaseHeld), errors.Is(err, ErrNotResumable), errors.Is(err, ErrNotFound):
			// Claimed or finished by another process since the listing.
			e.logger.Debug("execution not adopted", "execution_id", exec.ID, "reason", err)
		case errors.Is(err, ledger.ErrInsufficientCredits):
			e.logger.Info("recovered execution failed for lack of credits", "execution_id", exec.ID)
		default:
			e.logger.Error("execution recovery failed", "execution_id", exec.ID, "error", err)
			errs = append(errs, fmt.Errorf("recover %s: %w", exec.ID, err))
		}
	}

	return errors.Join(errs...)
}

// failInterrupted fails a pending execution under a fresh claim.
func (e *Engine) failInterrupted(ctx context.Context, id uuid.UUID) error {
	if _, err := e.reserve(id); err != nil {
		return nil // Shutting down or already active here
	}
	defer e.release(id)

	exec, err := e.claim(ctx, id)
	if errors.Is(err, ErrNotResumable) || errors.Is(err, ErrNotFound) {
		return nil // Taken by another process
	}
	if err != nil {
		return err
	}
	defer e.releaseLease(exec)
	if exec.Status != store.ExecutionStatusPending {
		return nil
	}
	e.finalize(exec, store.ExecutionStatusFailed, "interrupted before start")
	return e.save(ctx, exec)
}

// Sweep refunds unit deductions that lost their outcome.
func (e *Engine) Sweep(ctx context.Context) (ledger.ReconcileResult, error) {
	return e.ledger.ReconcileOrphans(ctx, e.grace, e)
}

// IsOrphaned reports whether a unit deduction belongs to an execution that is
// neither active in this process nor leased by a live one, and that never
// recorded the unit under that reference.
func (e *Engine) IsOrphaned(ctx context.Context, tx store.CreditTransaction) (bool, error) {
	execID, _, _, err := ledger.ParseUnitReference(tx.ReferenceID)
	if err != nil {
		return false, nil
	}
	if e.isActive(execID) {
		return false, nil
	}

	exec, err := e.load(ctx, execID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if exec.OrganizationID != tx.OrganizationID || exec.LeaseLive(e.now()) {
		return false, nil
	}
	for _, u := range exec.GeneratedUnits {
		if u.ReferenceID == tx.ReferenceID {
			return false, nil
		}
	}
	return true, nil
}

// reconcileInFlight refunds the checkpointed deduction of a unit whose outcome
// was never recorded.
func (e *Engine) reconcileInFlight(ctx context.Context, exec *store.Execution) {
	f := exec.InFlight
	if f == nil {
		return
	}
	exec.InFlight = nil

	for _, u := range exec.GeneratedUnits {
		if u.ReferenceID == f.ReferenceID {
			return
		}
	}

	refunded, err := e.ledger.Refunded(ctx, exec.OrganizationID, f.ReferenceID)
	if err != nil {
		e.logger.Error("in-flight reconciliation failed", "execution_id", exec.ID, "reference_id", f.ReferenceID, "error", err)
		return
	}
	if refunded {
		return
	}
	e.refund(ctx, exec, f.ReferenceID, f.Amount)
	e.logger.Info("in-flight unit refunded", "execution_id", exec.ID, "unit_id", f.UnitID, "amount", f.Amount)
}
