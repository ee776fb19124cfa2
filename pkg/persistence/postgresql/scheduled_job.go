package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
)

const scheduledJobColumns = `
			id
		  , name
		  , workflow_id
		  , trigger_node_id
		  , payload
		  , interval_seconds
		  , total_repeats
		  , max_retries
		  , timeout_seconds
		  , current_repeat
		  , current_retry
		  , status
		  , run_count
		  , error_count
		  , last_error
		  , last_execution_id
		  , last_run_at
		  , next_run_at
		  , created_at
		  , updated_at`

type ScheduledJobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ScheduledJobRepository) Create(ctx context.Context, job *models.ScheduledJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	payload, err := toJSONB(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (`+scheduledJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		job.ID, job.Name, job.WorkflowID, job.TriggerNodeID, payload, job.IntervalSeconds,
		job.TotalRepeats, job.MaxRetries, job.TimeoutSeconds, job.CurrentRepeat, job.CurrentRetry,
		string(job.Status), job.RunCount, job.ErrorCount, job.LastError, job.LastExecutionID,
		job.LastRunAt, job.NextRunAt, job.CreatedAt, job.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return persistence.NewRecordError("Create", "scheduled_job", job.ID, persistence.ErrAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to insert scheduled job %s: %w", job.ID, err)
	}

	return nil
}

func (r *ScheduledJobRepository) GetByID(ctx context.Context, id string) (*models.ScheduledJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = $1`, id)

	job, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRecordError("GetByID", "scheduled_job", id, persistence.ErrScheduledJobNotFound)
	}

	return job, err
}

func (r *ScheduledJobRepository) Update(ctx context.Context, id string, mutate persistence.ScheduledJobMutation) (*models.ScheduledJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = $1 FOR UPDATE`, id)

	job, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRecordError("Update", "scheduled_job", id, persistence.ErrScheduledJobNotFound)
	}

	if err != nil {
		return nil, err
	}

	if err := mutate(job); err != nil {
		return nil, err
	}

	job.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			current_repeat = $2
		  , current_retry = $3
		  , status = $4
		  , run_count = $5
		  , error_count = $6
		  , last_error = $7
		  , last_execution_id = $8
		  , last_run_at = $9
		  , next_run_at = $10
		  , updated_at = $11
		WHERE id = $1
	`,
		id, job.CurrentRepeat, job.CurrentRetry, string(job.Status), job.RunCount, job.ErrorCount,
		job.LastError, job.LastExecutionID, job.LastRunAt, job.NextRunAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update scheduled job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit scheduled job %s: %w", id, err)
	}

	return job, nil
}

func (r *ScheduledJobRepository) ListActiveDue(ctx context.Context, before time.Time) ([]*models.ScheduledJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+scheduledJobColumns+`
		FROM scheduled_jobs
		WHERE status = $1 AND next_run_at < $2
		ORDER BY next_run_at
	`, string(models.ScheduledJobActive), before)
	if err != nil {
		return nil, fmt.Errorf("failed to query due scheduled jobs: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	jobs := make([]*models.ScheduledJob, 0)

	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func scanScheduledJob(row scanner) (*models.ScheduledJob, error) {
	var (
		job       models.ScheduledJob
		payload   []byte
		status    string
		lastRunAt sql.NullTime
		nextRunAt sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.Name, &job.WorkflowID, &job.TriggerNodeID, &payload, &job.IntervalSeconds,
		&job.TotalRepeats, &job.MaxRetries, &job.TimeoutSeconds, &job.CurrentRepeat, &job.CurrentRetry,
		&status, &job.RunCount, &job.ErrorCount, &job.LastError, &job.LastExecutionID,
		&lastRunAt, &nextRunAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
	}

	job.Status = models.ScheduledJobStatus(status)

	if err := fromJSONB(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}

	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}

	return &job, nil
}
