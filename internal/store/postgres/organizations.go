package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"boardgen/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateOrganization(ctx context.Context, org *store.Organization, hashedKey string) error {
	query := `
		INSERT INTO organizations (id, name, api_key_hash, rate_limit, rate_limit_burst, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		org.ID,
		org.Name,
		hashedKey,
		org.RateLimit,
		org.RateLimitBurst,
		org.CreatedAt,
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
	query := "SELECT id, name, rate_limit, rate_limit_burst, created_at FROM organizations WHERE id = $1"
	return s.scanOrganization(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetOrganizationByAPIKeyHash(ctx context.Context, hash string) (*store.Organization, error) {
	query := "SELECT id, name, rate_limit, rate_limit_burst, created_at FROM organizations WHERE api_key_hash = $1"
	return s.scanOrganization(s.db.QueryRowContext(ctx, query, hash))
}

func (s *Store) scanOrganization(row *sql.Row) (*store.Organization, error) {
	var o store.Organization
	err := row.Scan(&o.ID, &o.Name, &o.RateLimit, &o.RateLimitBurst, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}
