package postgres

import (
	"context"
	"database/sql"

	"gantry/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateJobResult(ctx context.Context, result *store.JobResult) error {
	query := `
		INSERT INTO job_results (id, run_id, job_name, status)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.db.ExecContext(ctx, query,
		result.ID, result.RunID, result.JobName, result.Status,
	)
	return err
}

func (s *Store) UpdateJobResult(ctx context.Context, result *store.JobResult) error {
	query := `
		UPDATE job_results
		SET status = $2, skip_reason = $3, failure_class = $4,
		    exit_code = $5, error_message = $6, started_at = $7, finished_at = $8
		WHERE id = $1
	`

	res, err := s.db.ExecContext(ctx, query,
		result.ID, result.Status,
		nullString(string(result.SkipReason)), nullString(string(result.FailureClass)),
		result.ExitCode, result.ErrorMessage,
		result.StartedAt, result.FinishedAt,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return nil
}

func (s *Store) ListJobResults(ctx context.Context, runID uuid.UUID) ([]store.JobResult, error) {
	query := `
		SELECT id, run_id, job_name, status, skip_reason, failure_class,
		       exit_code, error_message, started_at, finished_at
		FROM job_results
		WHERE run_id = $1
		ORDER BY job_name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []store.JobResult
	for rows.Next() {
		var result store.JobResult
		var skipReason, failureClass sql.NullString
		if err := rows.Scan(
			&result.ID, &result.RunID, &result.JobName, &result.Status,
			&skipReason, &failureClass,
			&result.ExitCode, &result.ErrorMessage,
			&result.StartedAt, &result.FinishedAt,
		); err != nil {
			return nil, err
		}
		result.SkipReason = store.SkipReason(skipReason.String)
		result.FailureClass = store.FailureClass(failureClass.String)
		results = append(results, result)
	}

	return results, rows.Err()
}

// nullString maps the zero value to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
