package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/pipelit/pkg/models"
)

type ExecutionLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ExecutionLogRepository) Append(ctx context.Context, log *models.ExecutionLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	output, err := toJSONB(log.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal log output: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, execution_id, node_id, status, attempt, duration_ms, output, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, log.ID, log.ExecutionID, log.NodeID, string(log.Status), log.Attempt, log.DurationMs, output, log.Error, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution log for %s/%s: %w", log.ExecutionID, log.NodeID, err)
	}

	return nil
}

func (r *ExecutionLogRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.ExecutionLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id
		  , execution_id
		  , node_id
		  , status
		  , attempt
		  , duration_ms
		  , output
		  , error
		  , created_at
		FROM execution_logs
		WHERE execution_id = $1
		ORDER BY seq
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	logs := make([]*models.ExecutionLog, 0)

	for rows.Next() {
		var (
			log    models.ExecutionLog
			status string
			output []byte
		)

		err := rows.Scan(&log.ID, &log.ExecutionID, &log.NodeID, &status, &log.Attempt, &log.DurationMs, &output, &log.Error, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}

		log.Status = models.ExecutionLogStatus(status)

		if err := fromJSONB(output, &log.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log output: %w", err)
		}

		logs = append(logs, &log)
	}

	return logs, rows.Err()
}
