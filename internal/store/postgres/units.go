package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"boardgen/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const unitSelect = `
	SELECT s.id, s.organization_id, s.name, s.description,
		COALESCE(s.category_id, ''), COALESCE(c.name, ''),
		EXISTS (
			SELECT 1 FROM style_content sc
			WHERE sc.organization_id = s.organization_id AND sc.style_id = s.id
		) AS has_content
	FROM styles s
	LEFT JOIN categories c ON c.organization_id = s.organization_id AND c.id = s.category_id
`

// ListCandidateUnits returns the styles matching the filters in catalog order.
func (s *Store) ListCandidateUnits(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) ([]store.WorkUnit, error) {
	args := []interface{}{orgID}
	where := []string{"s.organization_id = $1"}

	if len(cfg.Filters.StyleIDs) > 0 {
		args = append(args, pq.Array(cfg.Filters.StyleIDs))
		where = append(where, fmt.Sprintf("s.id = ANY($%d)", len(args)))
	}
	if len(cfg.Filters.CategoryIDs) > 0 {
		args = append(args, pq.Array(cfg.Filters.CategoryIDs))
		where = append(where, fmt.Sprintf("s.category_id = ANY($%d)", len(args)))
	}
	if cfg.Filters.OnlyMissing {
		where = append(where, `NOT EXISTS (
			SELECT 1 FROM style_content sc
			WHERE sc.organization_id = s.organization_id AND sc.style_id = s.id
		)`)
	}

	query := unitSelect + " WHERE " + strings.Join(where, " AND ") + " ORDER BY s.position ASC, s.id ASC"
	if cfg.UnitCount > 0 {
		args = append(args, cfg.UnitCount)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return s.queryUnits(ctx, query, args...)
}

// GetWorkUnits returns the styles with the given ids in the order of ids.
func (s *Store) GetWorkUnits(ctx context.Context, orgID uuid.UUID, ids []string) ([]store.WorkUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := unitSelect + " WHERE s.organization_id = $1 AND s.id = ANY($2)"
	units, err := s.queryUnits(ctx, query, orgID, pq.Array(ids))
	if err != nil {
		return nil, err
	}

	byID := make(map[string]store.WorkUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	ordered := make([]store.WorkUnit, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			ordered = append(ordered, u)
		}
	}
	return ordered, nil
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...interface{}) ([]store.WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query styles: %w", err)
	}
	defer rows.Close()

	var units []store.WorkUnit
	for rows.Next() {
		var u store.WorkUnit
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Name, &u.Description, &u.CategoryID, &u.CategoryName, &u.HasContent); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// UpsertWorkUnits imports styles and their categories in one transaction.
func (s *Store) UpsertWorkUnits(ctx context.Context, orgID uuid.UUID, units []store.WorkUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, u := range units {
		if u.CategoryID != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO categories (organization_id, id, name) VALUES ($1, $2, $3)
				ON CONFLICT (organization_id, id) DO UPDATE SET name = EXCLUDED.name`,
				orgID, u.CategoryID, u.CategoryName,
			); err != nil {
				return fmt.Errorf("failed to upsert category %s: %w", u.CategoryID, err)
			}
		}

		var categoryID interface{}
		if u.CategoryID != "" {
			categoryID = u.CategoryID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO styles (organization_id, id, name, description, category_id, position)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (organization_id, id) DO UPDATE
			SET name = EXCLUDED.name, description = EXCLUDED.description,
				category_id = EXCLUDED.category_id, position = EXCLUDED.position`,
			orgID, u.ID, u.Name, u.Description, categoryID, i,
		); err != nil {
			return fmt.Errorf("failed to upsert style %s: %w", u.ID, err)
		}
	}

	return tx.Commit()
}

// SaveUnitContent stores the latest generated content of a style. The
// returned reference changes on every save.
func (s *Store) SaveUnitContent(ctx context.Context, unit store.WorkUnit, content store.UnitContent) (string, error) {
	doc, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to encode content: %w", err)
	}

	query := `
		INSERT INTO style_content (id, organization_id, style_id, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, style_id) DO UPDATE
		SET id = EXCLUDED.id, content = EXCLUDED.content, updated_at = NOW()
		RETURNING id
	`
	var id uuid.UUID
	if err := s.db.QueryRowContext(ctx, query, uuid.New(), unit.OrganizationID, unit.ID, doc).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to save content for style %s: %w", unit.ID, err)
	}
	return "style_content/" + id.String(), nil
}
