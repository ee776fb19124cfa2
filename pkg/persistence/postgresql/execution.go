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
	"github.com/lib/pq"
)

const executionColumns = `
			id
		  , workflow_id
		  , trigger_node_id
		  , scheduled_job_id
		  , status
		  , trigger_payload
		  , final_output
		  , error_message
		  , nodes_executed
		  , parent_execution_id
		  , parent_node_id
		  , started_at
		  , completed_at
		  , created_at
		  , updated_at`

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	now := time.Now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now

	payload, err := toJSONB(execution.TriggerPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger payload: %w", err)
	}

	output, err := toJSONB(execution.FinalOutput)
	if err != nil {
		return fmt.Errorf("failed to marshal final output: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		execution.ID, execution.WorkflowID, execution.TriggerNodeID, execution.ScheduledJobID,
		string(execution.Status), payload, output, execution.ErrorMessage, execution.NodesExecuted,
		execution.ParentExecutionID, execution.ParentNodeID, execution.StartedAt, execution.CompletedAt,
		execution.CreatedAt, execution.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return persistence.NewRecordError("Create", "execution", execution.ID, persistence.ErrAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRecordError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return execution, err
}

// Update runs mutate against a row locked with SELECT ... FOR UPDATE.
func (r *ExecutionRepository) Update(ctx context.Context, id string, mutate persistence.ExecutionMutation) (*models.Execution, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1 FOR UPDATE`, id)

	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRecordError("Update", "execution", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, err
	}

	if err := mutate(execution); err != nil {
		return nil, err
	}

	execution.UpdatedAt = time.Now().UTC()

	output, err := toJSONB(execution.FinalOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal final output: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET
			status = $2
		  , final_output = $3
		  , error_message = $4
		  , nodes_executed = $5
		  , started_at = $6
		  , completed_at = $7
		  , updated_at = $8
		WHERE id = $1
	`,
		id, string(execution.Status), output, execution.ErrorMessage, execution.NodesExecuted,
		execution.StartedAt, execution.CompletedAt, execution.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit execution %s: %w", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListRunningStartedBefore(ctx context.Context, before time.Time) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at
	`, string(models.ExecutionStatusRunning), before)
	if err != nil {
		return nil, fmt.Errorf("failed to query running executions: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, rows.Err()
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution    models.Execution
		status       string
		payload      []byte
		output       []byte
		parentExecID sql.NullString
		parentNodeID sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&execution.ID, &execution.WorkflowID, &execution.TriggerNodeID, &execution.ScheduledJobID,
		&status, &payload, &output, &execution.ErrorMessage, &execution.NodesExecuted,
		&parentExecID, &parentNodeID, &startedAt, &completedAt,
		&execution.CreatedAt, &execution.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	execution.Status = models.ExecutionStatus(status)

	if err := fromJSONB(payload, &execution.TriggerPayload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger payload: %w", err)
	}

	if err := fromJSONB(output, &execution.FinalOutput); err != nil {
		return nil, fmt.Errorf("failed to unmarshal final output: %w", err)
	}

	if parentExecID.Valid {
		execution.ParentExecutionID = &parentExecID.String
	}

	if parentNodeID.Valid {
		execution.ParentNodeID = &parentNodeID.String
	}

	if startedAt.Valid {
		execution.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}

	return &execution, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
