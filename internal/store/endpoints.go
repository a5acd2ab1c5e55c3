package store

import (
	"context"
	"fmt"

	"github.com/etlmon/backend/internal/core"
)

// UpsertAPIEndpoint records a discovered route. Re-registration refreshes
// the description only.
func (s *Store) UpsertAPIEndpoint(ctx context.Context, method, path, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_endpoints (method, path, description)
		VALUES ($1,$2,$3)
		ON CONFLICT (method, path) DO UPDATE SET description = EXCLUDED.description`,
		method, path, description)
	if err != nil {
		return fmt.Errorf("upsert endpoint %s %s: %w", method, path, err)
	}
	return nil
}

// ListAPIEndpoints returns the discovered route registry.
func (s *Store) ListAPIEndpoints(ctx context.Context) ([]*core.APIEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, path, description, discovered_at
		FROM api_endpoints ORDER BY path, method`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []*core.APIEndpoint
	for rows.Next() {
		var e core.APIEndpoint
		if err := rows.Scan(&e.ID, &e.Method, &e.Path, &e.Description, &e.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan endpoint row: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
