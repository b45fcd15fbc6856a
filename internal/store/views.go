package store

import (
	"context"
	"fmt"
)

// PhaseCounts returns the number of items observed in each phase. Items
// holding a live claim are counted under the in-progress phase rather than
// the persisted one.
func (s *Store) PhaseCounts(ctx context.Context) (map[Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			CASE
				WHEN claimed_by IS NOT NULL AND claim_expires_at > NOW() THEN
					CASE phase
						WHEN 'discovered' THEN 'analyzing'
						WHEN 'analyzed' THEN 'generating'
						WHEN 'generated' THEN 'scheduling'
						ELSE phase
					END
				ELSE phase
			END AS observed_phase,
			COUNT(*)
		FROM content_items
		GROUP BY observed_phase
	`)
	if err != nil {
		return nil, fmt.Errorf("count items by phase: %w", err)
	}
	defer rows.Close()

	counts := make(map[Phase]int)
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, fmt.Errorf("scan phase count: %w", err)
		}
		counts[Phase(phase)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phase counts: %w", err)
	}
	return counts, nil
}

// ErrorClassCounts returns the number of failed items per error class.
func (s *Store) ErrorClassCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(error_class, 'unknown'), COUNT(*)
		FROM content_items
		WHERE phase = 'failed'
		GROUP BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("count failures by class: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, fmt.Errorf("scan error class count: %w", err)
		}
		counts[class] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error class counts: %w", err)
	}
	return counts, nil
}

// RecentItems returns the most recently touched items, newest first.
func (s *Store) RecentItems(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent items: %w", err)
	}
	return items, nil
}
