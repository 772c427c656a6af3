package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"boardgen/internal/store"
)

// OrphanResolver decides whether a unit deduction lost its outcome.
// The engine implements it: a deduction is orphaned when its execution is
// not running in this process and the unit was never recorded as generated.
type OrphanResolver interface {
	IsOrphaned(ctx context.Context, tx store.CreditTransaction) (bool, error)
}

// ReconcileResult summarizes one sweep.
type ReconcileResult struct {
	Scanned  int
	Refunded int
	Credits  int64
}

// ReconcileOrphans refunds unit deductions older than olderThan that have no
// refund and that the resolver reports as orphaned. Errors on individual rows
// are logged and the sweep continues.
func (l *Ledger) ReconcileOrphans(ctx context.Context, olderThan time.Duration, resolver OrphanResolver) (ReconcileResult, error) {
	var res ReconcileResult

	cutoff := l.now().Add(-olderThan)
	candidates, err := l.repo.ListUnrefundedUsage(ctx, store.ReferenceTypeUnit, cutoff)
	if err != nil {
		return res, fmt.Errorf("list unrefunded usage: %w", err)
	}

	for _, tx := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		orphaned, err := resolver.IsOrphaned(ctx, tx)
		if err != nil {
			l.logger.Warn("orphan check failed", "reference_id", tx.ReferenceID, "error", err)
			continue
		}
		if !orphaned {
			continue
		}

		if _, err := l.Refund(ctx, tx.OrganizationID, tx.Amount, tx.ReferenceID); err != nil {
			if errors.Is(err, ErrAlreadyRefunded) {
				continue
			}
			l.logger.Error("orphan refund failed", "reference_id", tx.ReferenceID, "error", err)
			continue
		}
		res.Refunded++
		res.Credits += tx.Amount
	}

	if res.Refunded > 0 {
		l.logger.Info("orphaned deductions refunded", "scanned", res.Scanned, "refunded", res.Refunded, "credits", res.Credits)
	}
	return res, nil
}
