package postgres

import (
	"context"
	"fmt"

	"cidd/internal/store"
)

// AppendLogFragment stores one ordered log chunk produced during task
// execution.
func (s *Store) AppendLogFragment(ctx context.Context, bucketID string, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_fragments (bucket_id, content) VALUES ($1, $2)
	`, bucketID, content)
	if err != nil {
		return fmt.Errorf("append log fragment for bucket %s: %w", bucketID, err)
	}
	return nil
}

// LogFragments returns every fragment of a bucket in creation order, the
// same order they get concatenated into Bucket.Log on completion.
func (s *Store) LogFragments(ctx context.Context, bucketID string) ([]*store.LogFragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bucket_id, content, created_at FROM log_fragments
		WHERE bucket_id = $1 ORDER BY id ASC
	`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("log fragments for bucket %s: %w", bucketID, err)
	}
	defer rows.Close()

	var out []*store.LogFragment
	for rows.Next() {
		var f store.LogFragment
		if err := rows.Scan(&f.ID, &f.BucketID, &f.Content, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log fragment: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
