package sqlite

import (
	"database/sql"
	"fmt"

	"oipulse/internal/model"
)

// ListCustom returns every saved custom indicator, oldest first.
func (s *Store) ListCustom() ([]model.CustomIndicator, error) {
	rows, err := s.db.Query(`SELECT id, name, formula, color, created_at FROM custom_indicators ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list custom: %w", err)
	}
	defer rows.Close()

	var out []model.CustomIndicator
	for rows.Next() {
		var ci model.CustomIndicator
		if err := rows.Scan(&ci.ID, &ci.Name, &ci.Formula, &ci.Color, &ci.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite scan custom: %w", err)
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// UpsertCustom creates or replaces a custom indicator by name. The formula
// must already be validated; storage does not re-check it.
func (s *Store) UpsertCustom(name, formulaSrc, color string) (*model.CustomIndicator, error) {
	_, err := s.db.Exec(`
		INSERT INTO custom_indicators (name, formula, color)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET formula = excluded.formula, color = excluded.color`,
		name, formulaSrc, color)
	if err != nil {
		return nil, fmt.Errorf("sqlite upsert custom: %w", err)
	}

	var ci model.CustomIndicator
	err = s.db.QueryRow(`SELECT id, name, formula, color, created_at FROM custom_indicators WHERE name = ?`, name).
		Scan(&ci.ID, &ci.Name, &ci.Formula, &ci.Color, &ci.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite read custom: %w", err)
	}
	return &ci, nil
}

// DeleteCustom removes a custom indicator by id; false when nothing matched.
func (s *Store) DeleteCustom(id int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM custom_indicators WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("sqlite delete custom: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetCustom fetches one custom indicator by id, nil when absent.
func (s *Store) GetCustom(id int64) (*model.CustomIndicator, error) {
	var ci model.CustomIndicator
	err := s.db.QueryRow(`SELECT id, name, formula, color, created_at FROM custom_indicators WHERE id = ?`, id).
		Scan(&ci.ID, &ci.Name, &ci.Formula, &ci.Color, &ci.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get custom: %w", err)
	}
	return &ci, nil
}
