package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cidd/internal/store"
)

// CreateBucket inserts a new Bucket in status `queued`.
func (s *Store) CreateBucket(ctx context.Context, tx store.DBTransaction, bk *store.Bucket) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		INSERT INTO buckets (id, build_id, name, status)
		VALUES ($1, $2, $3, $4)
	`, bk.ID, bk.BuildID, bk.Name, store.BucketStatusQueued)
	if err != nil {
		return fmt.Errorf("create bucket %s/%s: %w", bk.BuildID, bk.Name, err)
	}
	bk.Status = store.BucketStatusQueued
	return nil
}

func scanBucket(row interface{ Scan(...interface{}) error }) (*store.Bucket, error) {
	var bk store.Bucket
	if err := row.Scan(
		&bk.ID, &bk.BuildID, &bk.Name, &bk.Status,
		&bk.WorkerURI, &bk.WorkerHostname, &bk.StartedAt, &bk.FinishedAt,
		&bk.Log, &bk.ErrorLog,
	); err != nil {
		return nil, err
	}
	return &bk, nil
}

const bucketColumns = `id, build_id, name, status, worker_uri, worker_hostname, started_at, finished_at, log, error_log`

// GetBucket loads a bucket by id, retrying once through withReconnect if
// the connection was dropped.
func (s *Store) GetBucket(ctx context.Context, id string) (*store.Bucket, error) {
	var bk *store.Bucket
	err := s.withReconnect(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = $1`, id)
		b, scanErr := scanBucket(row)
		if scanErr != nil {
			return scanErr
		}
		bk = b
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bucket %s: %w", id, err)
	}
	return bk, nil
}

// BucketsForBuild returns every bucket belonging to a build.
func (s *Store) BucketsForBuild(ctx context.Context, buildID string) ([]*store.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE build_id = $1 ORDER BY name`, buildID)
	if err != nil {
		return nil, fmt.Errorf("buckets for build %s: %w", buildID, err)
	}
	defer rows.Close()

	var out []*store.Bucket
	for rows.Next() {
		bk, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, bk)
	}
	return out, rows.Err()
}

// NonTerminalBuckets returns buckets of a build still in queued/claimed
// status, used by the scanner's project_in_build? confirmation walk.
func (s *Store) NonTerminalBuckets(ctx context.Context, buildID string) ([]*store.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bucketColumns+` FROM buckets WHERE build_id = $1 AND status NOT IN (10, 40, 35) ORDER BY name
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("non-terminal buckets for build %s: %w", buildID, err)
	}
	defer rows.Close()

	var out []*store.Bucket
	for rows.Next() {
		bk, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, bk)
	}
	return out, rows.Err()
}

// ClaimBucket transitions a bucket from queued to claimed.
func (s *Store) ClaimBucket(ctx context.Context, bucketID, workerURI, workerHostname string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE buckets
		SET status = $1, worker_uri = $2, worker_hostname = $3, started_at = now()
		WHERE id = $4 AND status = $5
	`, store.BucketStatusClaimed, workerURI, workerHostname, bucketID, store.BucketStatusQueued)
	if err != nil {
		return fmt.Errorf("claim bucket %s: %w", bucketID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("claim bucket %s: %w", bucketID, store.ErrNotFound)
	}
	return nil
}

// FinishBucket persists the terminal log/status/finished_at of a bucket
// that the Build Executor completed cleanly (success or failure).
func (s *Store) FinishBucket(ctx context.Context, bk *store.Bucket) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE buckets SET status = $1, log = $2, error_log = $3, finished_at = now()
		WHERE id = $4
	`, bk.Status, bk.Log, bk.ErrorLog, bk.ID)
	if err != nil {
		return fmt.Errorf("finish bucket %s: %w", bk.ID, err)
	}
	return nil
}

// MarkProcessingFailed transitions a bucket to processing_failed and
// appends a "Processing failed" header and the failure reason to its log.
func (s *Store) MarkProcessingFailed(ctx context.Context, bucketID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE buckets
		SET status = $1,
		    log = log || E'\n------ Processing failed ------\n' || $2,
		    finished_at = now()
		WHERE id = $3
	`, store.BucketStatusProcessingFailed, reason, bucketID)
	if err != nil {
		return fmt.Errorf("mark processing failed %s: %w", bucketID, err)
	}
	return nil
}
