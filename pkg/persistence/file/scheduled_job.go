package file

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
)

type ScheduledJobRepository struct {
	store store
}

func (sr *ScheduledJobRepository) Create(_ context.Context, job *models.ScheduledJob) error {
	defer sr.store.lock()()

	if sr.store.exists(job.ID) {
		return persistence.NewRecordError("Create", "scheduled_job", job.ID, persistence.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	return sr.store.write(job.ID, job)
}

func (sr *ScheduledJobRepository) GetByID(_ context.Context, id string) (*models.ScheduledJob, error) {
	defer sr.store.lock()()

	return sr.get("GetByID", id)
}

func (sr *ScheduledJobRepository) get(op, id string) (*models.ScheduledJob, error) {
	var job models.ScheduledJob

	err := sr.store.read(id, &job)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewRecordError(op, "scheduled_job", id, persistence.ErrScheduledJobNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (sr *ScheduledJobRepository) Update(_ context.Context, id string, mutate persistence.ScheduledJobMutation) (*models.ScheduledJob, error) {
	defer sr.store.lock()()

	job, err := sr.get("Update", id)
	if err != nil {
		return nil, err
	}

	if err := mutate(job); err != nil {
		return nil, err
	}

	job.UpdatedAt = time.Now().UTC()

	if err := sr.store.write(id, job); err != nil {
		return nil, err
	}

	return job, nil
}

func (sr *ScheduledJobRepository) ListActiveDue(_ context.Context, before time.Time) ([]*models.ScheduledJob, error) {
	defer sr.store.lock()()

	jobs, err := all[models.ScheduledJob](sr.store)
	if err != nil {
		return nil, err
	}

	var due []*models.ScheduledJob

	for _, job := range jobs {
		if job.Status != models.ScheduledJobActive || job.NextRunAt == nil {
			continue
		}

		if job.NextRunAt.Before(before) {
			due = append(due, job)
		}
	}

	return due, nil
}
