package store

import (
	"context"
	"fmt"
)

// Stats is a point-in-time aggregate over stored data, surfaced on the
// metrics endpoint.
type Stats struct {
	Users            int64
	SnippetsByStatus map[Status]int64 // live snippets only
	DeletedSnippets  int64
	Chunks           int64
	ContentBytes     int64 // plaintext bytes across live snippets
}

// Stats gathers store-wide counts in a handful of aggregate queries.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{SnippetsByStatus: make(map[Status]int64)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users`).Scan(&st.Users); err != nil {
		return nil, fmt.Errorf("stats: count users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM snippets
		WHERE is_deleted = 0
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats: count snippets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("stats: scan status count: %w", err)
		}
		st.SnippetsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats: status counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snippets WHERE is_deleted = 1`).Scan(&st.DeletedSnippets); err != nil {
		return nil, fmt.Errorf("stats: count deleted: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks`).Scan(&st.Chunks); err != nil {
		return nil, fmt.Errorf("stats: count chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_size), 0) FROM snippets WHERE is_deleted = 0`).Scan(&st.ContentBytes); err != nil {
		return nil, fmt.Errorf("stats: sum content bytes: %w", err)
	}

	return st, nil
}
