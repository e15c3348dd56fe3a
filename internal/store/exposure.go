package store

import (
	"context"
	"fmt"
	"time"
)

// LoadExposure returns every persisted exposure count
func (s *Store) LoadExposure(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT item_id, count FROM exposure")
	if err != nil {
		return nil, fmt.Errorf("load exposure: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// AddExposure increments the stored counts by deltas in one transaction
func (s *Store) AddExposure(ctx context.Context, deltas map[string]int) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin exposure: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO exposure (item_id, count) VALUES (?, ?)
		ON CONFLICT(item_id) DO UPDATE SET count = count + excluded.count
	`)
	if err != nil {
		return fmt.Errorf("prepare exposure: %w", err)
	}
	defer stmt.Close()

	for id, n := range deltas {
		if _, err := stmt.ExecContext(ctx, id, n); err != nil {
			return fmt.Errorf("add exposure %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exposure: %w", err)
	}
	return nil
}

// Exclusion is an item withdrawn from administration
type Exclusion struct {
	ItemID    string    `json:"itemId"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Exclude withdraws an item. Excluding it again replaces the reason.
func (s *Store) Exclude(itemID, reason string) (*Exclusion, error) {
	ex := &Exclusion{ItemID: itemID, Reason: reason, CreatedAt: s.now().UTC()}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO exclusions (item_id, reason, created_at) VALUES (?, ?, ?)",
		ex.ItemID, ex.Reason, ex.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("exclude item: %w", err)
	}
	return ex, nil
}

// Include reverses an exclusion. It reports whether the item was excluded.
func (s *Store) Include(itemID string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM exclusions WHERE item_id = ?", itemID)
	if err != nil {
		return false, fmt.Errorf("include item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("include item: %w", err)
	}
	return n > 0, nil
}

// Exclusions lists the excluded items ordered by item ID
func (s *Store) Exclusions() ([]Exclusion, error) {
	rows, err := s.db.Query("SELECT item_id, reason, created_at FROM exclusions ORDER BY item_id")
	if err != nil {
		return nil, fmt.Errorf("list exclusions: %w", err)
	}
	defer rows.Close()

	var out []Exclusion
	for rows.Next() {
		var ex Exclusion
		if err := rows.Scan(&ex.ItemID, &ex.Reason, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ExcludedIDs returns the excluded item IDs as a set
func (s *Store) ExcludedIDs() (map[string]bool, error) {
	list, err := s.Exclusions()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(list))
	for _, ex := range list {
		ids[ex.ItemID] = true
	}
	return ids, nil
}
