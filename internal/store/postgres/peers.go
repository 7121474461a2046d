package postgres

import (
	"context"
	"fmt"
	"strings"
)

// PublishPeer implements the discovery-tag stand-in: each peer
// publishes its URI under "cidd:{group}:uri:{uri}" and clears it at shutdown.
func (s *Store) PublishPeer(ctx context.Context, key, uri string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_tags (key, uri) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET uri = EXCLUDED.uri
	`, key, uri)
	if err != nil {
		return fmt.Errorf("publish peer %s: %w", key, err)
	}
	return nil
}

// ClearPeer removes a peer's discovery tag.
func (s *Store) ClearPeer(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM peer_tags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("clear peer %s: %w", key, err)
	}
	return nil
}

// ListPeers enumerates neighbours by reading every tag under keyPrefix.
func (s *Store) ListPeers(ctx context.Context, keyPrefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri FROM peer_tags WHERE key LIKE $1 ORDER BY key
	`, strings.TrimRight(keyPrefix, "%")+"%")
	if err != nil {
		return nil, fmt.Errorf("list peers %s: %w", keyPrefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		out = append(out, uri)
	}
	return out, rows.Err()
}
