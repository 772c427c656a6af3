package engine

import (
	"context"
	"errors"
	"fmt"

	"boardgen/internal/estimator"
	"boardgen/internal/ledger"
	"boardgen/internal/logger"
	"boardgen/internal/pipeline"
	"boardgen/internal/store"
	"boardgen/pkg/api"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// runPhase processes the remaining units of exec. It owns exec until it returns.
func (e *Engine) runPhase(exec *store.Execution, units []store.WorkUnit, r *run) {
	ctx := logger.WithExecutionID(context.Background(), exec.ID.String())
	ctx, span := e.tracer.Start(ctx, "execution.phase", trace.WithAttributes(
		attribute.String("execution.id", exec.ID.String()),
		attribute.String("organization.id", exec.OrganizationID.String()),
		attribute.Int("execution.phase", exec.Phase),
		attribute.Int("execution.candidates", len(exec.CandidateIDs)),
	))
	defer span.End()

	log := logger.FromContext(ctx, e.logger).With("organization_id", exec.OrganizationID, "phase", exec.Phase)

	byID := make(map[string]store.WorkUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	e.hub.Publish(ctx, e.event(exec, api.EventStart))

	var remaining []string
	for _, id := range exec.CandidateIDs {
		if !exec.HasGenerated(id) {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 && !r.seal() {
		e.end(ctx, exec, store.ExecutionStatusStopped, span)
		return
	}

	for i, id := range remaining {
		select {
		case <-r.pause:
			log.Info("execution paused for shutdown", "generated", len(exec.GeneratedUnits))
			span.SetAttributes(attribute.Bool("execution.paused", true))
			return
		case <-r.lost:
			e.displaced(ctx, exec, store.ErrLeaseLost, span)
			return
		default:
		}

		// Stop requests after the seal are rejected by Stop.
		stopped := i == len(remaining)-1 && !r.seal()
		select {
		case <-r.stop:
			stopped = true
		default:
		}
		if stopped {
			log.Info("execution stopped", "created", exec.Stats.Created, "errors", exec.Stats.ErrorsCount)
			e.end(ctx, exec, store.ExecutionStatusStopped, span)
			return
		}

		unit, ok := byID[id]
		if !ok {
			// The unit was removed after the batch was submitted.
			log.Warn("candidate unit no longer exists", "unit_id", id)
			exec.Stats.Skipped++
			if err := e.save(ctx, exec); err != nil {
				e.fail(ctx, exec, err, span)
				return
			}
			e.hub.Publish(ctx, e.progressEvent(exec, id, ""))
			continue
		}

		if err := e.processUnit(ctx, exec, unit); err != nil {
			e.fail(ctx, exec, err, span)
			return
		}
	}

	log.Info("execution completed",
		"created", exec.Stats.Created, "updated", exec.Stats.Updated,
		"skipped", exec.Stats.Skipped, "errors", exec.Stats.ErrorsCount)
	e.end(ctx, exec, store.ExecutionStatusCompleted, span)
}

// processUnit handles one unit. Unit failures are recorded and swallowed;
// the returned error is always fatal for the execution.
func (e *Engine) processUnit(ctx context.Context, exec *store.Execution, unit store.WorkUnit) error {
	ctx, span := e.tracer.Start(ctx, "execution.unit", trace.WithAttributes(
		attribute.String("unit.id", unit.ID),
		attribute.String("unit.name", unit.Name),
	))
	defer span.End()

	log := logger.FromContext(ctx, e.logger).With("unit_id", unit.ID)
	cfg := exec.Config

	if skippable(cfg, unit) {
		exec.Stats.Skipped++
		e.countUnit(ctx, "skipped")
		if err := e.save(ctx, exec); err != nil {
			return err
		}
		e.hub.Publish(ctx, e.progressEvent(exec, unit.ID, ""))
		return nil
	}

	ref := ledger.UnitReference(exec.ID, exec.Phase, unit.ID)
	amount := estimator.UnitCredits(cfg)

	txID, err := e.ledger.Deduct(ctx, exec.OrganizationID, amount, ref, store.ReferenceTypeUnit)
	if err != nil {
		// Nothing was charged, so there is nothing to refund.
		log.Warn("unit deduction failed", "amount", amount, "error", err)
		return e.unitFailed(ctx, exec, unit, "credits", err, store.CallCounts{}, span)
	}

	exec.InFlight = &store.InFlightUnit{
		UnitID:        unit.ID,
		ReferenceID:   ref,
		TransactionID: txID,
		Amount:        amount,
		DeductedAt:    e.now(),
	}
	if err := e.save(ctx, exec); err != nil {
		e.refund(ctx, exec, ref, amount)
		return err
	}

	res, err := e.generator.Run(ctx, unit, cfg)
	step := ""
	if err != nil {
		var stepErr *pipeline.StepError
		if errors.As(err, &stepErr) {
			step = string(stepErr.Step)
		}
	}

	var externalRef string
	if err == nil {
		externalRef, err = e.content.SaveUnitContent(ctx, unit, res.Content)
		if err != nil {
			step = "persist"
			err = fmt.Errorf("save unit content: %w", err)
		}
	}

	exec.CallCounts = exec.CallCounts.Add(res.Calls)

	if err != nil {
		log.Warn("unit failed", "step", step, "error", err)
		e.refund(ctx, exec, ref, amount)
		exec.InFlight = nil
		return e.unitFailed(ctx, exec, unit, step, err, res.Calls, span)
	}

	exec.InFlight = nil
	exec.GeneratedUnits = append(exec.GeneratedUnits, store.GeneratedUnit{
		UnitID:            unit.ID,
		Name:              unit.Name,
		ExternalReference: externalRef,
		ReferenceID:       ref,
	})
	outcome := "created"
	if unit.HasContent {
		exec.Stats.Updated++
		outcome = "updated"
	} else {
		exec.Stats.Created++
	}
	if err := e.save(ctx, exec); err != nil {
		return err
	}
	e.countUnit(ctx, outcome)
	log.Debug("unit generated", "outcome", outcome, "external_reference", externalRef)

	completed := e.event(exec, api.EventUnitCompleted)
	completed.UnitID = unit.ID
	completed.UnitName = unit.Name
	completed.ExternalReference = externalRef
	e.hub.Publish(ctx, completed)
	e.hub.Publish(ctx, e.metricsEvent(exec, res.Calls))
	e.hub.Publish(ctx, e.progressEvent(exec, unit.ID, ""))
	return nil
}

func (e *Engine) unitFailed(ctx context.Context, exec *store.Execution, unit store.WorkUnit, step string, cause error, calls store.CallCounts, span trace.Span) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "unit failed")

	exec.Stats.ErrorsCount++
	exec.UnitErrors = append(exec.UnitErrors, store.UnitError{
		UnitID:  unit.ID,
		Step:    step,
		Message: cause.Error(),
	})
	if err := e.save(ctx, exec); err != nil {
		return err
	}
	e.countUnit(ctx, "failed")

	if calls != (store.CallCounts{}) {
		e.hub.Publish(ctx, e.metricsEvent(exec, calls))
	}
	e.hub.Publish(ctx, e.progressEvent(exec, unit.ID, cause.Error()))
	return nil
}

// refund compensates a unit deduction. A failed refund is left to the orphan sweep.
func (e *Engine) refund(ctx context.Context, exec *store.Execution, ref string, amount int64) {
	_, err := e.ledger.Refund(ctx, exec.OrganizationID, amount, ref)
	if err == nil || errors.Is(err, ledger.ErrAlreadyRefunded) {
		return
	}
	e.logger.Error("unit refund failed", "execution_id", exec.ID, "reference_id", ref, "amount", amount, "error", err)
}

// end records a terminal status and publishes the terminal event.
func (e *Engine) end(ctx context.Context, exec *store.Execution, status store.ExecutionStatus, span trace.Span) {
	e.finalize(exec, status, "")
	if err := e.save(ctx, exec); err != nil {
		e.fail(ctx, exec, err, span)
		return
	}
	span.SetAttributes(attribute.String("execution.status", string(status)))
	e.hub.Publish(ctx, e.terminalEvent(exec))
}

// fail marks the execution failed after a fatal error. The record is saved on
// a best-effort basis since the store itself may be what failed. A lost lease
// is not a failure: the new owner carries on and nothing is written.
func (e *Engine) fail(ctx context.Context, exec *store.Execution, cause error, span trace.Span) {
	if errors.Is(cause, store.ErrLeaseLost) {
		e.displaced(ctx, exec, cause, span)
		return
	}
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	e.logger.Error("execution failed", "execution_id", exec.ID, "error", cause)

	exec.Error = nil
	e.finalize(exec, store.ExecutionStatusFailed, cause.Error())
	e.saveBestEffort(ctx, exec)
	e.hub.Publish(ctx, e.terminalEvent(exec))
}

// displaced abandons a phase whose lease another process took over. Local
// subscribers are disconnected since the events now come from the new owner.
func (e *Engine) displaced(ctx context.Context, exec *store.Execution, cause error, span trace.Span) {
	span.RecordError(cause)
	span.SetAttributes(attribute.Bool("execution.displaced", true))
	e.logger.Warn("execution taken over by another process",
		"execution_id", exec.ID, "lease_epoch", exec.LeaseEpoch, "generated", len(exec.GeneratedUnits))
	e.hub.Disconnect(exec.ID)
}

func (e *Engine) countUnit(ctx context.Context, outcome string) {
	e.unitsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
