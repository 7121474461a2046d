package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cidd/internal/store"
)

// CreateBuild inserts a new Build and advances the project's next build
// number so build numbers are monotonically increasing per project.
func (s *Store) CreateBuild(ctx context.Context, tx store.DBTransaction, b *store.Build) error {
	executor := s.getExecutor(tx)

	_, err := executor.ExecContext(ctx, `
		INSERT INTO builds (id, project_id, build_number, commit, leader_uri)
		VALUES ($1, $2, $3, $4, $5)
	`, b.ID, b.ProjectID, b.BuildNumber, b.Commit, b.LeaderURI)
	if err != nil {
		return fmt.Errorf("create build for project %s: %w", b.ProjectID, err)
	}

	_, err = executor.ExecContext(ctx, `
		UPDATE projects SET next_build_number = $1 WHERE id = $2
	`, b.BuildNumber+1, b.ProjectID)
	if err != nil {
		return fmt.Errorf("advance next build number for project %s: %w", b.ProjectID, err)
	}
	return nil
}

// GetBuild loads a build by id.
func (s *Store) GetBuild(ctx context.Context, id string) (*store.Build, error) {
	var b store.Build
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, build_number, commit, leader_uri, started_at, finished_at
		FROM builds WHERE id = $1
	`, id).Scan(
		&b.ID, &b.ProjectID, &b.BuildNumber, &b.Commit, &b.LeaderURI, &b.StartedAt, &b.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get build %s: %w", id, err)
	}
	return &b, nil
}

// LastBuild returns the most recent build for a project or, when `before`
// is given, the most recent one numbered below it
// (Project.last_build(before: build)).
func (s *Store) LastBuild(ctx context.Context, projectID string, before *store.Build) (*store.Build, error) {
	query := `
		SELECT id, project_id, build_number, commit, leader_uri, started_at, finished_at
		FROM builds WHERE project_id = $1
	`
	args := []interface{}{projectID}
	if before != nil {
		query += " AND build_number < $2"
		args = append(args, before.BuildNumber)
	}
	query += " ORDER BY build_number DESC LIMIT 1"

	var b store.Build
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&b.ID, &b.ProjectID, &b.BuildNumber, &b.Commit, &b.LeaderURI, &b.StartedAt, &b.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last build for project %s: %w", projectID, err)
	}
	return &b, nil
}

// SetBuildStarted sets started_at the first time any of its buckets is
// claimed, and is a no-op on subsequent calls.
func (s *Store) SetBuildStarted(ctx context.Context, buildID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE builds SET started_at = now() WHERE id = $1 AND started_at IS NULL
	`, buildID)
	if err != nil {
		return fmt.Errorf("set build started %s: %w", buildID, err)
	}
	return nil
}

// MaybeFinishBuild sets finished_at iff every bucket of the build has
// reached a terminal status.
func (s *Store) MaybeFinishBuild(ctx context.Context, buildID string) error {
	var pending int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM buckets WHERE build_id = $1 AND status NOT IN (10, 40, 35)
	`, buildID).Scan(&pending)
	if err != nil {
		return fmt.Errorf("count pending buckets for build %s: %w", buildID, err)
	}
	if pending > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE builds SET finished_at = now() WHERE id = $1 AND finished_at IS NULL
	`, buildID)
	if err != nil {
		return fmt.Errorf("finish build %s: %w", buildID, err)
	}
	return nil
}
