package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"boardgen/internal/store"

	"github.com/google/uuid"
)

const executionColumns = "record, owner, lease_until, lease_epoch"

// SaveExecution upserts the whole checkpoint in one statement. The update
// only applies while the stored epoch matches the caller's.
func (s *Store) SaveExecution(ctx context.Context, execution *store.Execution) error {
	record, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to encode execution %s: %w", execution.ID, err)
	}

	query := `
		INSERT INTO executions (id, organization_id, status, record, owner, lease_until, lease_epoch, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
		WHERE executions.lease_epoch = EXCLUDED.lease_epoch
	`
	res, err := s.db.ExecContext(ctx, query,
		execution.ID,
		execution.OrganizationID,
		execution.Status,
		record,
		execution.Owner,
		execution.LeaseUntil,
		execution.LeaseEpoch,
		execution.CreatedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", execution.ID, err)
	}
	return requireRow(res, store.ErrLeaseLost)
}

func (s *Store) LoadExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return exec, err
}

func (s *Store) ListExecutionsByStatus(ctx context.Context, status store.ExecutionStatus) ([]*store.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE status = $1 ORDER BY created_at ASC", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*store.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// ClaimExecution takes the lease when it is free, expired or already ours.
func (s *Store) ClaimExecution(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (int64, error) {
	query := `
		UPDATE executions
		SET owner = $2, lease_until = $4, lease_epoch = lease_epoch + 1
		WHERE id = $1
		AND (owner = '' OR owner = $2 OR lease_until IS NULL OR lease_until <= $3)
		RETURNING lease_epoch
	`
	var epoch int64
	err := s.db.QueryRowContext(ctx, query, id, owner, now, until).Scan(&epoch)
	if err == nil {
		return epoch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to claim execution %s: %w", id, err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)", id).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, store.ErrNotFound
	}
	return 0, store.ErrLeaseHeld
}

func (s *Store) RenewLease(ctx context.Context, id uuid.UUID, epoch int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET lease_until = $3 WHERE id = $1 AND lease_epoch = $2 AND owner <> ''",
		id, epoch, until)
	if err != nil {
		return fmt.Errorf("failed to renew lease of execution %s: %w", id, err)
	}
	return requireRow(res, store.ErrLeaseLost)
}

func (s *Store) ReleaseExecution(ctx context.Context, id uuid.UUID, epoch int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE executions SET owner = '', lease_until = NULL WHERE id = $1 AND lease_epoch = $2",
		id, epoch)
	if err != nil {
		return fmt.Errorf("failed to release execution %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var (
		record     []byte
		owner      string
		leaseUntil sql.NullTime
		epoch      int64
	)
	if err := row.Scan(&record, &owner, &leaseUntil, &epoch); err != nil {
		return nil, err
	}

	var exec store.Execution
	if err := json.Unmarshal(record, &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution record: %w", err)
	}
	exec.Owner = owner
	exec.LeaseEpoch = epoch
	if leaseUntil.Valid {
		t := leaseUntil.Time.UTC()
		exec.LeaseUntil = &t
	}
	return &exec, nil
}

// requireRow returns errNone when the statement matched no row.
func requireRow(res sql.Result, errNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNone
	}
	return nil
}
