package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT
			id
		  , COALESCE(slug, '')
		  , name
		FROM workflows
		WHERE id = $1
	`

	workflow := &models.Workflow{}

	err := r.db.QueryRowContext(ctx, query, id).Scan(&workflow.ID, &workflow.Slug, &workflow.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRecordError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	workflow.Nodes, err = r.loadNodes(ctx, id)
	if err != nil {
		return nil, err
	}

	workflow.Edges, err = r.loadEdges(ctx, id)
	if err != nil {
		return nil, err
	}

	return workflow, nil
}

func (r *WorkflowRepository) loadNodes(ctx context.Context, workflowID string) ([]*models.WorkflowNode, error) {
	query := `
		SELECT
			id
		  , name
		  , kind
		  , config
		  , interrupt_before
		  , interrupt_after
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY position, id
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow nodes: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	nodes := make([]*models.WorkflowNode, 0)

	for rows.Next() {
		var (
			node   models.WorkflowNode
			config []byte
		)

		err := rows.Scan(&node.ID, &node.Name, &node.Kind, &config, &node.InterruptBefore, &node.InterruptAfter)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow node: %w", err)
		}

		if err := fromJSONB(config, &node.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config of node %s: %w", node.ID, err)
		}

		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

func (r *WorkflowRepository) loadEdges(ctx context.Context, workflowID string) ([]*models.Edge, error) {
	query := `
		SELECT
			id
		  , source
		  , target
		  , label
		  , condition_mapping
		  , priority
		FROM workflow_edges
		WHERE workflow_id = $1
		ORDER BY position, id
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow edges: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	edges := make([]*models.Edge, 0)

	for rows.Next() {
		var (
			edge    models.Edge
			label   string
			mapping []byte
		)

		err := rows.Scan(&edge.ID, &edge.Source, &edge.Target, &label, &mapping, &edge.Priority)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow edge: %w", err)
		}

		edge.Label = models.EdgeLabel(label)

		if err := fromJSONB(mapping, &edge.ConditionMapping); err != nil {
			return nil, fmt.Errorf("failed to unmarshal condition mapping of edge %s: %w", edge.ID, err)
		}

		edges = append(edges, &edge)
	}

	return edges, rows.Err()
}

// Save replaces the workflow and its full graph in one transaction.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var slug any
	if workflow.Slug != "" {
		slug = workflow.Slug
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, slug, name, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET slug = EXCLUDED.slug, name = EXCLUDED.name, updated_at = NOW()
	`, workflow.ID, slug, workflow.Name)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	for _, table := range []string{"workflow_nodes", "workflow_edges"} {
		_, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE workflow_id = $1", workflow.ID)
		if err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for position, node := range workflow.Nodes {
		config, err := toJSONB(node.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config of node %s: %w", node.ID, err)
		}

		if node.Config == nil {
			config = "{}"
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_nodes (workflow_id, id, name, kind, config, interrupt_before, interrupt_after, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, workflow.ID, node.ID, node.Name, node.Kind, config, node.InterruptBefore, node.InterruptAfter, position)
		if err != nil {
			return fmt.Errorf("failed to save node %s: %w", node.ID, err)
		}
	}

	for position, edge := range workflow.Edges {
		var mapping any
		if len(edge.ConditionMapping) > 0 {
			mapping, err = toJSONB(edge.ConditionMapping)
			if err != nil {
				return fmt.Errorf("failed to marshal condition mapping of edge %s: %w", edge.ID, err)
			}
		}

		edgeID := edge.ID
		if edgeID == "" {
			edgeID = fmt.Sprintf("%s-%d", edge.Source, position)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_edges (workflow_id, id, source, target, label, condition_mapping, priority, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, workflow.ID, edgeID, edge.Source, edge.Target, string(edge.Label), mapping, edge.Priority, position)
		if err != nil {
			return fmt.Errorf("failed to save edge %s: %w", edgeID, err)
		}
	}

	return tx.Commit()
}
