// Package sqlite is the single-node store backend built on modernc.org/sqlite.
// It implements the same interfaces as the postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardgen/internal/store"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  api_key_hash TEXT NOT NULL UNIQUE,
  rate_limit REAL NOT NULL DEFAULT 0,
  rate_limit_burst INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL,
  status TEXT NOT NULL,
  record TEXT NOT NULL,
  owner TEXT NOT NULL DEFAULT '',
  lease_until INTEGER,
  lease_epoch INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status, created_at);

CREATE TABLE IF NOT EXISTS credit_transactions (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL,
  type TEXT NOT NULL CHECK (type IN ('usage', 'refund', 'grant')),
  amount INTEGER NOT NULL CHECK (amount > 0),
  reference_id TEXT NOT NULL,
  reference_type TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_reference ON credit_transactions (organization_id, reference_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_one_refund ON credit_transactions (organization_id, reference_id) WHERE type = 'refund';

CREATE TRIGGER IF NOT EXISTS credit_transactions_no_update BEFORE UPDATE ON credit_transactions
BEGIN SELECT RAISE(ABORT, 'credit_transactions is append-only'); END;
CREATE TRIGGER IF NOT EXISTS credit_transactions_no_delete BEFORE DELETE ON credit_transactions
BEGIN SELECT RAISE(ABORT, 'credit_transactions is append-only'); END;

CREATE TABLE IF NOT EXISTS categories (
  organization_id TEXT NOT NULL,
  id TEXT NOT NULL,
  name TEXT NOT NULL,
  PRIMARY KEY (organization_id, id)
);

CREATE TABLE IF NOT EXISTS styles (
  organization_id TEXT NOT NULL,
  id TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  category_id TEXT,
  position INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (organization_id, id)
);

CREATE TABLE IF NOT EXISTS style_content (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL,
  style_id TEXT NOT NULL,
  content TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE (organization_id, style_id)
);
`

// Store is a sqlite-backed implementation of the store interfaces.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Transactions start with BEGIN IMMEDIATE and the pool holds one connection,
// so writers never interleave.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := addLeaseColumns(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// leaseColumns were added to executions after the first schema.
var leaseColumns = []struct{ name, ddl string }{
	{"owner", "ALTER TABLE executions ADD COLUMN owner TEXT NOT NULL DEFAULT ''"},
	{"lease_until", "ALTER TABLE executions ADD COLUMN lease_until INTEGER"},
	{"lease_epoch", "ALTER TABLE executions ADD COLUMN lease_epoch INTEGER NOT NULL DEFAULT 0"},
}

func addLeaseColumns(db *sql.DB) error {
	for _, c := range leaseColumns {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('executions') WHERE name = ?`, c.name).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *Store) CreateOrganization(ctx context.Context, org *store.Organization, hashedKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, api_key_hash, rate_limit, rate_limit_burst, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		org.ID.String(), org.Name, hashedKey, org.RateLimit, org.RateLimitBurst, millis(org.CreatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, id uuid.UUID) (*store.Organization, error) {
	return scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT id, name, rate_limit, rate_limit_burst, created_at FROM organizations WHERE id = ?`, id.String()))
}

func (s *Store) GetOrganizationByAPIKeyHash(ctx context.Context, hash string) (*store.Organization, error) {
	return scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT id, name, rate_limit, rate_limit_burst, created_at FROM organizations WHERE api_key_hash = ?`, hash))
}

func scanOrganization(row *sql.Row) (*store.Organization, error) {
	var (
		o         store.Organization
		id        string
		createdMs int64
	)
	if err := row.Scan(&id, &o.Name, &o.RateLimit, &o.RateLimitBurst, &createdMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	o.ID = parsed
	o.CreatedAt = fromMillis(createdMs)
	return &o, nil
}

const executionColumns = "record, owner, lease_until, lease_epoch"

// SaveExecution upserts the checkpoint while the stored epoch matches.
func (s *Store) SaveExecution(ctx context.Context, execution *store.Execution) error {
	record, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to encode execution %s: %w", execution.ID, err)
	}
	var leaseUntil sql.NullInt64
	if execution.LeaseUntil != nil {
		leaseUntil = sql.NullInt64{Int64: millis(*execution.LeaseUntil), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, organization_id, status, record, owner, lease_until, lease_epoch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			record = excluded.record,
			updated_at = excluded.updated_at
		WHERE executions.lease_epoch = excluded.lease_epoch
	`,
		execution.ID.String(),
		execution.OrganizationID.String(),
		string(execution.Status),
		string(record),
		execution.Owner,
		leaseUntil,
		execution.LeaseEpoch,
		millis(execution.CreatedAt),
		millis(execution.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", execution.ID, err)
	}
	return affected(res, store.ErrLeaseLost)
}

func (s *Store) LoadExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return exec, err
}

func (s *Store) ListExecutionsByStatus(ctx context.Context, status store.ExecutionStatus) ([]*store.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *Store) ClaimExecution(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE executions
		SET owner = ?, lease_until = ?, lease_epoch = lease_epoch + 1
		WHERE id = ? AND (owner = '' OR owner = ? OR lease_until IS NULL OR lease_until <= ?)
		RETURNING lease_epoch`,
		owner, millis(until), id.String(), owner, millis(now),
	).Scan(&epoch)
	if err == nil {
		return epoch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to claim execution %s: %w", id, err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE id = ?`, id.String()).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, store.ErrNotFound
	}
	return 0, store.ErrLeaseHeld
}

func (s *Store) RenewLease(ctx context.Context, id uuid.UUID, epoch int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET lease_until = ? WHERE id = ? AND lease_epoch = ? AND owner <> ''`,
		millis(until), id.String(), epoch)
	if err != nil {
		return fmt.Errorf("failed to renew lease of execution %s: %w", id, err)
	}
	return affected(res, store.ErrLeaseLost)
}

func (s *Store) ReleaseExecution(ctx context.Context, id uuid.UUID, epoch int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET owner = '', lease_until = NULL WHERE id = ? AND lease_epoch = ?`,
		id.String(), epoch)
	if err != nil {
		return fmt.Errorf("failed to release execution %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var (
		record     string
		owner      string
		leaseUntil sql.NullInt64
		epoch      int64
	)
	if err := row.Scan(&record, &owner, &leaseUntil, &epoch); err != nil {
		return nil, err
	}
	var exec store.Execution
	if err := json.Unmarshal([]byte(record), &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution record: %w", err)
	}
	exec.Owner = owner
	exec.LeaseEpoch = epoch
	if leaseUntil.Valid {
		t := fromMillis(leaseUntil.Int64)
		exec.LeaseUntil = &t
	}
	return &exec, nil
}

// affected returns errNone when the statement changed no row.
func affected(res sql.Result, errNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNone
	}
	return nil
}
