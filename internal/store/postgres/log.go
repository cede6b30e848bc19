package postgres

import (
	"context"

	"gantry/internal/store"

	"github.com/google/uuid"
)

func (s *Store) AppendJobLog(ctx context.Context, runID uuid.UUID, jobName, content string) error {
	query := `INSERT INTO job_logs (run_id, job_name, content) VALUES ($1, $2, $3)`
	_, err := s.db.ExecContext(ctx, query, runID, jobName, content)
	return err
}

func (s *Store) GetJobLogs(ctx context.Context, runID uuid.UUID, jobName string) ([]store.LogEntry, error) {
	query := `
		SELECT id, run_id, job_name, content, created_at
		FROM job_logs
		WHERE run_id = $1 AND job_name = $2
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID, jobName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.LogEntry
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.JobName, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}
