package file

import (
	"context"
	"errors"
	"os"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
)

// WorkflowRepository reads workflow graphs stored as root/workflows/{id}.json.
type WorkflowRepository struct {
	store store
}

func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	var workflow models.Workflow

	err := wr.store.read(id, &workflow)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewRecordError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &workflow, nil
}

func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	defer wr.store.lock()()

	return wr.store.write(workflow.ID, workflow)
}
