// Package memory implements the store interfaces in process memory.
// It backs the "memory" store driver and the engine tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"boardgen/internal/store"

	"github.com/google/uuid"
)

// Store keeps every record behind one mutex. Records are copied on the way
// in and on the way out so callers never share state with the store.
type Store struct {
	mu           sync.Mutex
	executions   map[uuid.UUID]*store.Execution // lease fields included
	transactions []store.CreditTransaction
	units        map[uuid.UUID][]store.WorkUnit
	content      map[string]store.UnitContent
	orgs         map[string]*store.Organization // keyed by API key hash
}

// New creates an empty store.
func New() *Store {
	return &Store{
		executions: make(map[uuid.UUID]*store.Execution),
		units:      make(map[uuid.UUID][]store.WorkUnit),
		content:    make(map[string]store.UnitContent),
		orgs:       make(map[string]*store.Organization),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// AddUnits registers candidate work units for an organization.
func (s *Store) AddUnits(orgID uuid.UUID, units ...store.WorkUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		u.OrganizationID = orgID
		s.units[orgID] = append(s.units[orgID], u)
	}
}

// Content returns the stored content for an external reference.
func (s *Store) Content(ref string) (store.UnitContent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.content[ref]
	return c, ok
}

// Transactions returns a copy of every ledger row of an organization, in insertion order.
func (s *Store) Transactions(orgID uuid.UUID) []store.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.CreditTransaction
	for _, tx := range s.transactions {
		if tx.OrganizationID == orgID {
			out = append(out, tx)
		}
	}
	return out
}

func (s *Store) CreateOrganization(ctx context.Context, org *store.Organization, hashedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orgs[hashedKey]; exists {
		return fmt.Errorf("organization with this key already exists")
	}
	o := *org
	s.orgs[hashedKey] = &o
	return nil
}

func (s *Store) GetOrganizationByAPIKeyHash(ctx context.Context, hash string) (*store.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *o
	return &c, nil
}

func (s *Store) GetOrganization(ctx context.Context, id uuid.UUID) (*store.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.ID == id {
			c := *o
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) LoadExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) SaveExecution(ctx context.Context, execution *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := execution.Clone()
	c.UpdatedAt = time.Now().UTC()
	if cur, ok := s.executions[c.ID]; ok {
		if cur.LeaseEpoch != execution.LeaseEpoch {
			return store.ErrLeaseLost
		}
		c.Owner, c.LeaseUntil = cur.Owner, cur.LeaseUntil
	}
	s.executions[c.ID] = c
	return nil
}

func (s *Store) ClaimExecution(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if e.Owner != owner && e.LeaseLive(now) {
		return 0, store.ErrLeaseHeld
	}
	e.Owner = owner
	e.LeaseUntil = &until
	e.LeaseEpoch++
	return e.LeaseEpoch, nil
}

func (s *Store) RenewLease(ctx context.Context, id uuid.UUID, epoch int64, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.LeaseEpoch != epoch || e.Owner == "" {
		return store.ErrLeaseLost
	}
	e.LeaseUntil = &until
	return nil
}

func (s *Store) ReleaseExecution(ctx context.Context, id uuid.UUID, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.executions[id]; ok && e.LeaseEpoch == epoch {
		e.Owner = ""
		e.LeaseUntil = nil
	}
	return nil
}

func (s *Store) ListExecutionsByStatus(ctx context.Context, status store.ExecutionStatus) ([]*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Execution
	for _, e := range s.executions {
		if e.Status == status {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListCandidateUnits(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) ([]store.WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.WorkUnit
	for _, u := range s.units[orgID] {
		if len(cfg.Filters.StyleIDs) > 0 && !slices.Contains(cfg.Filters.StyleIDs, u.ID) {
			continue
		}
		if len(cfg.Filters.CategoryIDs) > 0 && !slices.Contains(cfg.Filters.CategoryIDs, u.CategoryID) {
			continue
		}
		if cfg.Filters.OnlyMissing && u.HasContent {
			continue
		}
		out = append(out, u)
		if cfg.UnitCount > 0 && len(out) == cfg.UnitCount {
			break
		}
	}
	return out, nil
}

func (s *Store) UpsertWorkUnits(ctx context.Context, orgID uuid.UUID, units []store.WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		u.OrganizationID = orgID
		i := slices.IndexFunc(s.units[orgID], func(existing store.WorkUnit) bool { return existing.ID == u.ID })
		if i < 0 {
			s.units[orgID] = append(s.units[orgID], u)
			continue
		}
		u.HasContent = s.units[orgID][i].HasContent
		s.units[orgID][i] = u
	}
	return nil
}

func (s *Store) GetWorkUnits(ctx context.Context, orgID uuid.UUID, ids []string) ([]store.WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[string]store.WorkUnit, len(s.units[orgID]))
	for _, u := range s.units[orgID] {
		byID[u.ID] = u
	}
	out := make([]store.WorkUnit, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Store) SaveUnitContent(ctx context.Context, unit store.WorkUnit, content store.UnitContent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "content/" + uuid.NewString()
	s.content[ref] = content
	for i, u := range s.units[unit.OrganizationID] {
		if u.ID == unit.ID {
			s.units[unit.OrganizationID][i].HasContent = true
		}
	}
	return ref, nil
}

func (s *Store) GetBalance(ctx context.Context, orgID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(orgID), nil
}

func (s *Store) balanceLocked(orgID uuid.UUID) int64 {
	var balance int64
	for _, tx := range s.transactions {
		if tx.OrganizationID != orgID {
			continue
		}
		switch tx.Type {
		case store.TransactionTypeGrant, store.TransactionTypeRefund:
			balance += tx.Amount
		case store.TransactionTypeUsage:
			balance -= tx.Amount
		}
	}
	return balance
}

func (s *Store) AppendTransaction(ctx context.Context, tx *store.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.Type == store.TransactionTypeRefund {
		for _, existing := range s.transactions {
			if existing.Type == store.TransactionTypeRefund &&
				existing.OrganizationID == tx.OrganizationID && existing.ReferenceID == tx.ReferenceID {
				return store.ErrDuplicate
			}
		}
	}
	s.appendLocked(tx)
	return nil
}

func (s *Store) DebitIfSufficient(ctx context.Context, tx *store.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balanceLocked(tx.OrganizationID) < tx.Amount {
		return store.ErrInsufficientBalance
	}
	s.appendLocked(tx)
	return nil
}

func (s *Store) appendLocked(tx *store.CreditTransaction) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.transactions = append(s.transactions, *tx)
}

func (s *Store) FindTransactions(ctx context.Context, orgID uuid.UUID, referenceID string) ([]store.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.CreditTransaction
	for _, tx := range s.transactions {
		if tx.OrganizationID == orgID && tx.ReferenceID == referenceID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *Store) ListUnrefundedUsage(ctx context.Context, referenceType string, before time.Time) ([]store.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settled := make(map[string]bool)
	for _, tx := range s.transactions {
		if tx.Type == store.TransactionTypeRefund {
			settled[tx.OrganizationID.String()+"|"+tx.ReferenceID] = true
		}
	}
	for _, e := range s.executions {
		for _, u := range e.GeneratedUnits {
			settled[e.OrganizationID.String()+"|"+u.ReferenceID] = true
		}
	}
	var out []store.CreditTransaction
	for _, tx := range s.transactions {
		if tx.Type != store.TransactionTypeUsage || tx.ReferenceType != referenceType {
			continue
		}
		if !tx.CreatedAt.Before(before) || settled[tx.OrganizationID.String()+"|"+tx.ReferenceID] {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}
