package postgres

import (
	"context"
	"database/sql"
	"errors"

	"gantry/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	query := `INSERT INTO runs (id, pipeline, revision, branch, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Pipeline, run.Revision, run.Branch, run.Status, run.CreatedAt,
	)
	return err
}

func (s *Store) UpdateRunStatus(ctx context.Context, id uuid.UUID, status store.RunStatus) error {
	var query string
	if status.Terminal() {
		query = `UPDATE runs SET status = $2, finished_at = now() WHERE id = $1`
	} else {
		query = `UPDATE runs SET status = $2 WHERE id = $1`
	}

	result, err := s.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := `SELECT id, pipeline, revision, branch, status, created_at, finished_at FROM runs WHERE id = $1`

	var run store.Run
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Pipeline, &run.Revision, &run.Branch,
		&run.Status, &run.CreatedAt, &run.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]store.Run, error) {
	query := `
		SELECT id, pipeline, revision, branch, status, created_at, finished_at
		FROM runs
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.ID, &run.Pipeline, &run.Revision, &run.Branch,
			&run.Status, &run.CreatedAt, &run.FinishedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
