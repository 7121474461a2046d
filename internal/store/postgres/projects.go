package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cidd/internal/store"
)

// ListProjects returns every configured project with its persisted columns
// only. Task-list configuration (BucketNames, BeforeAllTasks, BucketTasks,
// ...) is not stored in this schema and comes back empty; nothing in this
// repository fills it in before the scanner uses the result.
func (s *Store) ListProjects(ctx context.Context) ([]*store.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source_url, current_commit, last_system_error, next_build_number
		FROM projects ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*store.Project
	for rows.Next() {
		var p store.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.SourceURL, &p.CurrentCommit, &p.LastSystemError, &p.NextBuildNumber); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetProject loads a single project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_url, current_commit, last_system_error, next_build_number
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.SourceURL, &p.CurrentCommit, &p.LastSystemError, &p.NextBuildNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// WantsBuild compares the project's upstream commit (p.CurrentCommit, as
// refreshed by the caller's source adapter) against the commit of its
// latest build.
func (s *Store) WantsBuild(ctx context.Context, p *store.Project) (bool, error) {
	var lastCommit string
	err := s.db.QueryRowContext(ctx, `
		SELECT commit FROM builds WHERE project_id = $1 ORDER BY build_number DESC LIMIT 1
	`, p.ID).Scan(&lastCommit)
	if errors.Is(err, sql.ErrNoRows) {
		return p.CurrentCommit != "", nil
	}
	if err != nil {
		return false, fmt.Errorf("wants build %s: %w", p.ID, err)
	}
	return lastCommit != p.CurrentCommit, nil
}

// UpdateProjectState marks consumedCommit as consumed so a subsequent scan
// does not re-trigger a build for the same commit.
func (s *Store) UpdateProjectState(ctx context.Context, p *store.Project, consumedCommit string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET current_commit = $1 WHERE id = $2
	`, consumedCommit, p.ID)
	if err != nil {
		return fmt.Errorf("update project state %s: %w", p.ID, err)
	}
	return nil
}

// SetLastSystemError records a project-scoped scan failure.
func (s *Store) SetLastSystemError(ctx context.Context, projectID string, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET last_system_error = $1 WHERE id = $2
	`, message, projectID)
	if err != nil {
		return fmt.Errorf("set last system error %s: %w", projectID, err)
	}
	return nil
}
