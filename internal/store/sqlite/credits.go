package sqlite

import (
	"context"
	"fmt"
	"time"

	"boardgen/internal/store"

	"github.com/google/uuid"
)

const balanceQuery = `
	SELECT COALESCE(SUM(CASE WHEN type = 'usage' THEN -amount ELSE amount END), 0)
	FROM credit_transactions WHERE organization_id = ?`

const transactionColumns = "id, organization_id, type, amount, reference_id, reference_type, created_at"

func (s *Store) GetBalance(ctx context.Context, orgID uuid.UUID) (int64, error) {
	return balance(ctx, s.db, orgID)
}

func balance(ctx context.Context, q store.DBTransaction, orgID uuid.UUID) (int64, error) {
	var b int64
	if err := q.QueryRowContext(ctx, balanceQuery, orgID.String()).Scan(&b); err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return b, nil
}

func (s *Store) AppendTransaction(ctx context.Context, t *store.CreditTransaction) error {
	return insertTransaction(ctx, s.db, t)
}

func insertTransaction(ctx context.Context, q store.DBTransaction, t *store.CreditTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO credit_transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.OrganizationID.String(), string(t.Type), t.Amount, t.ReferenceID, t.ReferenceType, millis(t.CreatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to append %s transaction: %w", t.Type, err)
	}
	return nil
}

// DebitIfSufficient runs the check and the insert in one immediate transaction.
func (s *Store) DebitIfSufficient(ctx context.Context, t *store.CreditTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b, err := balance(ctx, tx, t.OrganizationID)
	if err != nil {
		return err
	}
	if b < t.Amount {
		return store.ErrInsufficientBalance
	}
	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindTransactions(ctx context.Context, orgID uuid.UUID, referenceID string) ([]store.CreditTransaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE organization_id = ? AND reference_id = ? ORDER BY created_at ASC`,
		orgID.String(), referenceID)
}

// ListUnrefundedUsage skips usage settled by a generated unit of the
// execution named in the reference.
func (s *Store) ListUnrefundedUsage(ctx context.Context, referenceType string, before time.Time) ([]store.CreditTransaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions u
		WHERE u.type = 'usage' AND u.reference_type = ? AND u.created_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM credit_transactions r
			WHERE r.type = 'refund' AND r.organization_id = u.organization_id AND r.reference_id = u.reference_id
		)
		AND NOT EXISTS (
			SELECT 1 FROM executions e, json_each(e.record, '$.generatedUnits') g
			WHERE e.id = substr(u.reference_id, 1, 36)
			AND e.organization_id = u.organization_id
			AND json_extract(g.value, '$.referenceId') = u.reference_id
		)
		ORDER BY u.created_at ASC`,
		referenceType, millis(before))
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]store.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.CreditTransaction
	for rows.Next() {
		var (
			t               store.CreditTransaction
			id, org, txType string
			createdMs       int64
		)
		if err := rows.Scan(&id, &org, &txType, &t.Amount, &t.ReferenceID, &t.ReferenceType, &createdMs); err != nil {
			return nil, err
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if t.OrganizationID, err = uuid.Parse(org); err != nil {
			return nil, err
		}
		t.Type = store.TransactionType(txType)
		t.CreatedAt = fromMillis(createdMs)
		out = append(out, t)
	}
	return out, rows.Err()
}
