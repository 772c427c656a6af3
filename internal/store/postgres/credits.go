package postgres

import (
	"context"
	"fmt"
	"time"

	"boardgen/internal/store"

	"github.com/google/uuid"
)

// creditLockSpace is the first key of the per-organization advisory lock.
const creditLockSpace = 2

const balanceQuery = `
	SELECT COALESCE(SUM(CASE WHEN type = 'usage' THEN -amount ELSE amount END), 0)
	FROM credit_transactions
	WHERE organization_id = $1
`

const transactionColumns = "id, organization_id, type, amount, reference_id, reference_type, created_at"

func (s *Store) GetBalance(ctx context.Context, orgID uuid.UUID) (int64, error) {
	return s.balance(ctx, nil, orgID)
}

func (s *Store) balance(ctx context.Context, tx store.DBTransaction, orgID uuid.UUID) (int64, error) {
	var balance int64
	if err := s.getExecutor(tx).QueryRowContext(ctx, balanceQuery, orgID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return balance, nil
}

func (s *Store) AppendTransaction(ctx context.Context, t *store.CreditTransaction) error {
	return s.insertTransaction(ctx, nil, t)
}

func (s *Store) insertTransaction(ctx context.Context, tx store.DBTransaction, t *store.CreditTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO credit_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		t.ID, t.OrganizationID, t.Type, t.Amount, t.ReferenceID, t.ReferenceType, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to append %s transaction: %w", t.Type, err)
	}
	return nil
}

// DebitIfSufficient serializes balance checks per organization with a
// transaction-scoped advisory lock, so two batches cannot both pass the check.
func (s *Store) DebitIfSufficient(ctx context.Context, t *store.CreditTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, creditLockSpace, lockKey(t.OrganizationID)); err != nil {
		return fmt.Errorf("failed to lock organization balance: %w", err)
	}

	balance, err := s.balance(ctx, tx, t.OrganizationID)
	if err != nil {
		return err
	}
	if balance < t.Amount {
		return store.ErrInsufficientBalance
	}

	if err := s.insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindTransactions(ctx context.Context, orgID uuid.UUID, referenceID string) ([]store.CreditTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE organization_id = $1 AND reference_id = $2
		ORDER BY created_at ASC`
	return s.queryTransactions(ctx, query, orgID, referenceID)
}

// referencedExecution extracts the execution id prefix of a unit reference,
// or NULL when the reference does not start with one.
const referencedExecution = `(CASE WHEN u.reference_id ~ '^[0-9a-fA-F-]{36}:'
	THEN CAST(LEFT(u.reference_id, 36) AS UUID) END)`

// ListUnrefundedUsage skips usage settled by a generated unit, so the sweep
// only sees deductions that may have lost their outcome.
func (s *Store) ListUnrefundedUsage(ctx context.Context, referenceType string, before time.Time) ([]store.CreditTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM credit_transactions u
		WHERE u.type = 'usage' AND u.reference_type = $1 AND u.created_at < $2
		AND NOT EXISTS (
			SELECT 1 FROM credit_transactions r
			WHERE r.type = 'refund'
			AND r.organization_id = u.organization_id
			AND r.reference_id = u.reference_id
		)
		AND NOT EXISTS (
			SELECT 1 FROM executions e
			WHERE e.id = ` + referencedExecution + `
			AND e.organization_id = u.organization_id
			AND e.record->'generatedUnits' @> jsonb_build_array(jsonb_build_object('referenceId', u.reference_id))
		)
		ORDER BY u.created_at ASC`
	return s.queryTransactions(ctx, query, referenceType, before)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]store.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.CreditTransaction
	for rows.Next() {
		var t store.CreditTransaction
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Type, &t.Amount, &t.ReferenceID, &t.ReferenceType, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// lockKey folds the first four bytes of an organization id into an advisory lock key.
func lockKey(id uuid.UUID) int32 {
	return int32(id[0])<<24 | int32(id[1])<<16 | int32(id[2])<<8 | int32(id[3])
}
