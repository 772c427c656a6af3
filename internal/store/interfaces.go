package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned by DebitIfSufficient when the balance
	// is lower than the requested amount. No row is written in that case.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicate is returned when a write violates a uniqueness rule,
	// such as a second refund for the same reference.
	ErrDuplicate = errors.New("duplicate record")

	// ErrLeaseHeld is returned by ClaimExecution while another owner holds a live lease.
	ErrLeaseHeld = errors.New("execution is leased by another owner")

	// ErrLeaseLost is returned when a write carries a lease epoch that was
	// superseded by a later claim.
	ErrLeaseLost = errors.New("execution lease lost")
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// OrganizationStore handles retrieving organization information for authentication.
type OrganizationStore interface {
	// CreateOrganization inserts a new organization with its hashed API key.
	CreateOrganization(ctx context.Context, org *Organization, hashedKey string) error

	// GetOrganizationByAPIKeyHash returns an organization by its API key hash.
	GetOrganizationByAPIKeyHash(ctx context.Context, hash string) (*Organization, error)

	// GetOrganization returns an organization by id.
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
}

// ExecutionRepository is the durable store behind the execution checkpoints.
//
// Every execution carries a lease (owner, expiry, epoch) stored next to the
// record. Only the holder of the current epoch may write the record, so a
// process that lost its lease cannot overwrite the checkpoint of the new owner.
type ExecutionRepository interface {
	// LoadExecution returns the latest checkpoint of an execution with its lease.
	LoadExecution(ctx context.Context, id uuid.UUID) (*Execution, error)

	// SaveExecution atomically writes the whole execution record.
	// A concurrent reader sees either the previous or the new record, never a mix.
	// Inserting a new execution records its Owner, LeaseUntil and LeaseEpoch.
	// Updating an execution whose stored epoch differs from LeaseEpoch returns
	// ErrLeaseLost and writes nothing. Updates never change the lease.
	SaveExecution(ctx context.Context, execution *Execution) error

	// ListExecutionsByStatus returns executions in the given status, oldest first.
	ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error)

	// ClaimExecution makes owner the lease holder until the given time and
	// returns the new epoch. It fails with ErrLeaseHeld while a different
	// owner holds a lease that has not expired at now.
	ClaimExecution(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (int64, error)

	// RenewLease extends the lease of epoch. It returns ErrLeaseLost when a
	// later claim superseded it.
	RenewLease(ctx context.Context, id uuid.UUID, epoch int64, until time.Time) error

	// ReleaseExecution clears the owner of epoch so any process may claim the
	// execution at once. Releasing a superseded epoch is a no-op.
	ReleaseExecution(ctx context.Context, id uuid.UUID, epoch int64) error
}

// CandidateSource provides the work units a batch iterates over.
type CandidateSource interface {
	// ListCandidateUnits returns the units matching the config filters, in a stable order.
	ListCandidateUnits(ctx context.Context, orgID uuid.UUID, cfg BatchConfig) ([]WorkUnit, error)

	// GetWorkUnits returns the units with the given ids, in the order of ids.
	// Ids that no longer exist are omitted.
	GetWorkUnits(ctx context.Context, orgID uuid.UUID, ids []string) ([]WorkUnit, error)
}

// UnitCatalog imports the work units an organization can generate content for.
type UnitCatalog interface {
	// UpsertWorkUnits inserts or replaces units by id, keeping the given order.
	UpsertWorkUnits(ctx context.Context, orgID uuid.UUID, units []WorkUnit) error
}

// ContentSink persists the generated output of a unit.
type ContentSink interface {
	// SaveUnitContent stores the content and returns an external reference to it.
	SaveUnitContent(ctx context.Context, unit WorkUnit, content UnitContent) (string, error)
}

// CreditRepository is the append-only credit ledger storage.
// Rows are never updated or deleted.
type CreditRepository interface {
	// GetBalance returns grants - usage + refunds for the organization.
	GetBalance(ctx context.Context, orgID uuid.UUID) (int64, error)

	// AppendTransaction inserts one immutable row.
	AppendTransaction(ctx context.Context, tx *CreditTransaction) error

	// DebitIfSufficient atomically checks the balance and appends the usage row.
	// Implementations serialize this per organization.
	DebitIfSufficient(ctx context.Context, tx *CreditTransaction) error

	// FindTransactions returns every row of an organization with the given reference id.
	FindTransactions(ctx context.Context, orgID uuid.UUID, referenceID string) ([]CreditTransaction, error)

	// ListUnrefundedUsage returns usage rows of referenceType created before the
	// cutoff that have no matching refund and are not settled. A unit usage row
	// is settled once its reference is recorded in the GeneratedUnits of the
	// execution named by the reference prefix.
	ListUnrefundedUsage(ctx context.Context, referenceType string, before time.Time) ([]CreditTransaction, error)
}
