package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"boardgen/internal/store"

	"github.com/google/uuid"
)

const unitSelect = `
	SELECT s.id, s.organization_id, s.name, s.description,
		COALESCE(s.category_id, ''), COALESCE(c.name, ''),
		EXISTS (SELECT 1 FROM style_content sc WHERE sc.organization_id = s.organization_id AND sc.style_id = s.id)
	FROM styles s
	LEFT JOIN categories c ON c.organization_id = s.organization_id AND c.id = s.category_id`

func (s *Store) ListCandidateUnits(ctx context.Context, orgID uuid.UUID, cfg store.BatchConfig) ([]store.WorkUnit, error) {
	where := []string{"s.organization_id = ?"}
	args := []any{orgID.String()}

	if ids := cfg.Filters.StyleIDs; len(ids) > 0 {
		where = append(where, "s.id IN ("+placeholders(len(ids))+")")
		for _, id := range ids {
			args = append(args, id)
		}
	}
	if ids := cfg.Filters.CategoryIDs; len(ids) > 0 {
		where = append(where, "s.category_id IN ("+placeholders(len(ids))+")")
		for _, id := range ids {
			args = append(args, id)
		}
	}
	if cfg.Filters.OnlyMissing {
		where = append(where, "NOT EXISTS (SELECT 1 FROM style_content sc WHERE sc.organization_id = s.organization_id AND sc.style_id = s.id)")
	}

	query := unitSelect + " WHERE " + strings.Join(where, " AND ") + " ORDER BY s.position, s.id"
	if cfg.UnitCount > 0 {
		query += " LIMIT ?"
		args = append(args, cfg.UnitCount)
	}
	return s.queryUnits(ctx, query, args...)
}

func (s *Store) GetWorkUnits(ctx context.Context, orgID uuid.UUID, ids []string) ([]store.WorkUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{orgID.String()}
	for _, id := range ids {
		args = append(args, id)
	}
	units, err := s.queryUnits(ctx,
		unitSelect+" WHERE s.organization_id = ? AND s.id IN ("+placeholders(len(ids))+")", args...)
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

func (s *Store) queryUnits(ctx context.Context, query string, args ...any) ([]store.WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query styles: %w", err)
	}
	defer rows.Close()

	var units []store.WorkUnit
	for rows.Next() {
		var (
			u   store.WorkUnit
			org string
		)
		if err := rows.Scan(&u.ID, &org, &u.Name, &u.Description, &u.CategoryID, &u.CategoryName, &u.HasContent); err != nil {
			return nil, err
		}
		if u.OrganizationID, err = uuid.Parse(org); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *Store) UpsertWorkUnits(ctx context.Context, orgID uuid.UUID, units []store.WorkUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, u := range units {
		category := sql.NullString{String: u.CategoryID, Valid: u.CategoryID != ""}
		if category.Valid {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO categories (organization_id, id, name) VALUES (?, ?, ?)
				ON CONFLICT(organization_id, id) DO UPDATE SET name = excluded.name`,
				orgID.String(), u.CategoryID, u.CategoryName,
			); err != nil {
				return fmt.Errorf("failed to upsert category %s: %w", u.CategoryID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO styles (organization_id, id, name, description, category_id, position)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(organization_id, id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				category_id = excluded.category_id,
				position = excluded.position`,
			orgID.String(), u.ID, u.Name, u.Description, category, i,
		); err != nil {
			return fmt.Errorf("failed to upsert style %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SaveUnitContent(ctx context.Context, unit store.WorkUnit, content store.UnitContent) (string, error) {
	doc, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to encode content: %w", err)
	}
	id := uuid.New()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO style_content (id, organization_id, style_id, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, style_id) DO UPDATE SET
			id = excluded.id,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		id.String(), unit.OrganizationID.String(), unit.ID, string(doc), millis(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save content for style %s: %w", unit.ID, err)
	}
	return "style_content/" + id.String(), nil
}
