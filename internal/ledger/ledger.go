// Package ledger implements prepaid credit accounting on top of an
// append-only transaction log.
//
// The balance of an organization is the sum of its grants minus its usage
// plus its refunds. Usage is always recorded before the work it pays for;
// a failed unit of work is compensated by exactly one refund row carrying
// the same reference id and amount.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"boardgen/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrInsufficientCredits is returned when the balance cannot cover a deduction.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrNoMatchingUsage is returned when a refund has no usage row to reverse.
	ErrNoMatchingUsage = errors.New("no matching usage transaction")

	// ErrAlreadyRefunded is returned when the reference was refunded before.
	ErrAlreadyRefunded = errors.New("reference already refunded")
)

// Ledger is the only writer of credit transactions.
type Ledger struct {
	repo     store.CreditRepository
	logger   *slog.Logger
	deducted metric.Int64Counter
	refunded metric.Int64Counter
	now      func() time.Time
}

// New creates a ledger over the given repository.
func New(repo store.CreditRepository, logger *slog.Logger) *Ledger {
	meter := otel.Meter("boardgen/ledger")
	deducted, _ := meter.Int64Counter("boardgen.credits.deducted",
		metric.WithDescription("Credits deducted before generation work"))
	refunded, _ := meter.Int64Counter("boardgen.credits.refunded",
		metric.WithDescription("Credits refunded for failed generation work"))

	return &Ledger{
		repo:     repo,
		logger:   logger,
		deducted: deducted,
		refunded: refunded,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Balance returns the current balance of an organization.
func (l *Ledger) Balance(ctx context.Context, orgID uuid.UUID) (int64, error) {
	balance, err := l.repo.GetBalance(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// HasSufficientBalance reports whether the balance covers amount. It writes nothing.
func (l *Ledger) HasSufficientBalance(ctx context.Context, orgID uuid.UUID, amount int64) (bool, error) {
	balance, err := l.Balance(ctx, orgID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Deduct appends a usage row if the balance covers amount at call time.
// It must be called before the work it pays for begins.
func (l *Ledger) Deduct(ctx context.Context, orgID uuid.UUID, amount int64, referenceID, referenceType string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}

	tx := &store.CreditTransaction{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Type:           store.TransactionTypeUsage,
		Amount:         amount,
		ReferenceID:    referenceID,
		ReferenceType:  referenceType,
		CreatedAt:      l.now(),
	}
	if err := l.repo.DebitIfSufficient(ctx, tx); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return uuid.Nil, ErrInsufficientCredits
		}
		return uuid.Nil, fmt.Errorf("deduct %d credits for %s: %w", amount, referenceID, err)
	}

	l.deducted.Add(ctx, amount, metric.WithAttributes(attribute.String("reference_type", referenceType)))
	l.logger.Debug("credits deducted",
		"organization_id", orgID, "amount", amount, "reference_id", referenceID, "transaction_id", tx.ID)

	return tx.ID, nil
}

// Refund appends the compensating row for a previous usage of referenceID.
// The amount must equal the usage amount, and a reference is refunded at most once.
func (l *Ledger) Refund(ctx context.Context, orgID uuid.UUID, amount int64, referenceID string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}

	existing, err := l.repo.FindTransactions(ctx, orgID, referenceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("find transactions for %s: %w", referenceID, err)
	}

	var usage *store.CreditTransaction
	for i := range existing {
		switch existing[i].Type {
		case store.TransactionTypeRefund:
			return uuid.Nil, ErrAlreadyRefunded
		case store.TransactionTypeUsage:
			usage = &existing[i]
		}
	}
	if usage == nil {
		return uuid.Nil, ErrNoMatchingUsage
	}
	if usage.Amount != amount {
		return uuid.Nil, fmt.Errorf("refund of %d does not match usage of %d for %s", amount, usage.Amount, referenceID)
	}

	tx := &store.CreditTransaction{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Type:           store.TransactionTypeRefund,
		Amount:         amount,
		ReferenceID:    referenceID,
		ReferenceType:  usage.ReferenceType,
		CreatedAt:      l.now(),
	}
	if err := l.repo.AppendTransaction(ctx, tx); err != nil {
		// A concurrent refund of the same reference won the race.
		if errors.Is(err, store.ErrDuplicate) {
			return uuid.Nil, ErrAlreadyRefunded
		}
		return uuid.Nil, fmt.Errorf("refund %d credits for %s: %w", amount, referenceID, err)
	}

	l.refunded.Add(ctx, amount, metric.WithAttributes(attribute.String("reference_type", usage.ReferenceType)))
	l.logger.Info("credits refunded",
		"organization_id", orgID, "amount", amount, "reference_id", referenceID, "transaction_id", tx.ID)

	return tx.ID, nil
}

// Refunded reports whether referenceID already has a refund row.
func (l *Ledger) Refunded(ctx context.Context, orgID uuid.UUID, referenceID string) (bool, error) {
	existing, err := l.repo.FindTransactions(ctx, orgID, referenceID)
	if err != nil {
		return false, fmt.Errorf("find transactions for %s: %w", referenceID, err)
	}
	for _, tx := range existing {
		if tx.Type == store.TransactionTypeRefund {
			return true, nil
		}
	}
	return false, nil
}

// Grant tops up the balance of an organization.
func (l *Ledger) Grant(ctx context.Context, orgID uuid.UUID, amount int64, referenceID string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	tx := &store.CreditTransaction{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Type:           store.TransactionTypeGrant,
		Amount:         amount,
		ReferenceID:    referenceID,
		ReferenceType:  "grant",
		CreatedAt:      l.now(),
	}
	if err := l.repo.AppendTransaction(ctx, tx); err != nil {
		return uuid.Nil, fmt.Errorf("grant %d credits: %w", amount, err)
	}
	l.logger.Info("credits granted", "organization_id", orgID, "amount", amount, "reference_id", referenceID)
	return tx.ID, nil
}

// UnitReference builds the reference id of one unit deduction. The phase makes
// a unit retried by a later resume a distinct reference.
func UnitReference(executionID uuid.UUID, phase int, unitID string) string {
	return fmt.Sprintf("%s:%d:%s", executionID, phase, unitID)
}

// ParseUnitReference is the inverse of UnitReference.
func ParseUnitReference(ref string) (uuid.UUID, int, string, error) {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) != 3 {
		return uuid.Nil, 0, "", fmt.Errorf("malformed unit reference %q", ref)
	}
	execID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, 0, "", fmt.Errorf("malformed unit reference %q: %w", ref, err)
	}
	phase, err := strconv.Atoi(parts[1])
	if err != nil {
		return uuid.Nil, 0, "", fmt.Errorf("malformed unit reference %q: %w", ref, err)
	}
	return execID, phase, parts[2], nil
}
