// Package scheduler fires workflow triggers on a fixed interval. Each firing
// is a queue job carrying (job id, repeat, retry); the job re-enqueues its
// successor under a deterministic id so duplicates collapse in the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/pipelit/pkg/engine"
	"github.com/dukex/pipelit/pkg/eventbus"
	"github.com/dukex/pipelit/pkg/events"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// MaxBackoffFactor caps the retry delay at this many base intervals.
	MaxBackoffFactor = 10

	errorTruncate = 500
)

// Starter dispatches a scheduled trigger. Implemented by *engine.Engine.
type Starter interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (*models.Execution, error)
}

type Scheduler struct {
	persistence persistence.Persistence
	queue       queue.Queue
	starter     Starter
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

func New(
	persistence persistence.Persistence,
	queue queue.Queue,
	starter Starter,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		persistence: persistence,
		queue:       queue,
		starter:     starter,
		publisher:   publisher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "scheduler"),
		now:         time.Now,
	}
}

// JobID is the queue id of run (repeat, retry) of a scheduled job.
func JobID(scheduledJobID string, repeat, retry int) string {
	return fmt.Sprintf("sched:%s:%d:%d", scheduledJobID, repeat, retry)
}

// Backoff is the delay before retry attempt retry+1: interval doubled per
// retry, never more than MaxBackoffFactor intervals.
func Backoff(interval time.Duration, retry int) time.Duration {
	limit := interval * MaxBackoffFactor
	delay := interval

	for i := 0; i < retry && delay < limit; i++ {
		delay *= 2
	}

	return min(delay, limit)
}

func run(scheduledJobID string, repeat, retry int) queue.Job {
	return queue.Job{
		ID:             JobID(scheduledJobID, repeat, retry),
		Type:           queue.JobExecuteScheduledJob,
		ScheduledJobID: scheduledJobID,
		Repeat:         repeat,
		Retry:          retry,
	}
}

// Create validates and stores a new active job and enqueues its first run.
func (s *Scheduler) Create(ctx context.Context, job *models.ScheduledJob) (*models.ScheduledJob, error) {
	now := s.now().UTC()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	job.Status = models.ScheduledJobActive
	job.CurrentRepeat = 0
	job.CurrentRetry = 0
	job.NextRunAt = &now

	if err := s.validate.Struct(job); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	if err := s.persistence.ScheduledJobs().Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create scheduled job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, run(job.ID, 0, 0)); err != nil {
		return nil, fmt.Errorf("failed to enqueue scheduled job: %w", err)
	}

	s.logger.InfoContext(ctx, "scheduled job created",
		"scheduled_job_id", job.ID,
		"workflow_id", job.WorkflowID,
		"interval", job.Interval(),
		"total_repeats", job.TotalRepeats,
	)

	return job, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*models.ScheduledJob, error) {
	return s.persistence.ScheduledJobs().GetByID(ctx, id)
}

// Pause stops an active job. Its queued run finds it paused and does nothing.
func (s *Scheduler) Pause(ctx context.Context, id string) (*models.ScheduledJob, error) {
	job, err := s.persistence.ScheduledJobs().Update(ctx, id, func(job *models.ScheduledJob) error {
		if job.Status != models.ScheduledJobActive && job.Status != models.ScheduledJobPaused {
			return fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
		}

		job.Status = models.ScheduledJobPaused
		job.NextRunAt = nil

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.transition(ctx, job, "")

	return job, nil
}

// Resume reactivates a paused job; its next run fires one interval from now.
func (s *Scheduler) Resume(ctx context.Context, id string) (*models.ScheduledJob, error) {
	var next time.Time

	job, err := s.persistence.ScheduledJobs().Update(ctx, id, func(job *models.ScheduledJob) error {
		if job.Status != models.ScheduledJobPaused {
			return fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
		}

		next = s.now().UTC().Add(job.Interval())
		job.Status = models.ScheduledJobActive
		job.NextRunAt = &next

		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.queue.EnqueueIn(ctx, run(job.ID, job.CurrentRepeat, job.CurrentRetry), job.Interval())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue scheduled job: %w", err)
	}

	s.transition(ctx, job, "")

	return job, nil
}

// RecoverStale re-enqueues active jobs whose next run is already overdue.
// Jobs whose run is still queued are deduplicated by id.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	due, err := s.persistence.ScheduledJobs().ListActiveDue(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue scheduled jobs: %w", err)
	}

	var errs []error

	for _, job := range due {
		err := s.queue.Enqueue(ctx, run(job.ID, job.CurrentRepeat, job.CurrentRetry))
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduled job %s: %w", job.ID, err))
		}
	}

	if len(due) > 0 {
		s.logger.InfoContext(ctx, "recovered overdue scheduled jobs", "count", len(due))
	}

	return len(due), errors.Join(errs...)
}

// Handle runs one firing of a scheduled job. Dispatch failures are absorbed
// into the job's retry state; only store and queue errors are returned.
func (s *Scheduler) Handle(ctx context.Context, j queue.Job) error {
	logger := s.logger.With("scheduled_job_id", j.ScheduledJobID, "repeat", j.Repeat, "retry", j.Retry)

	job, err := s.persistence.ScheduledJobs().GetByID(ctx, j.ScheduledJobID)
	if persistence.IsScheduledJobNotFound(err) {
		logger.WarnContext(ctx, "scheduled job not found, dropping run")

		return nil
	}

	if err != nil {
		return err
	}

	if job.Status != models.ScheduledJobActive {
		logger.DebugContext(ctx, "scheduled job is not active", "status", job.Status)

		return nil
	}

	if job.CurrentRepeat != j.Repeat || job.CurrentRetry != j.Retry {
		logger.DebugContext(ctx, "ignoring stale scheduled run",
			"current_repeat", job.CurrentRepeat,
			"current_retry", job.CurrentRetry,
		)

		return nil
	}

	busy, err := s.overlaps(ctx, job)
	if err != nil {
		return err
	}

	if busy {
		logger.InfoContext(ctx, "previous execution still active, skipping cycle", "execution_id", job.LastExecutionID)

		return s.skip(ctx, j)
	}

	execution, dispatchErr := s.dispatch(ctx, job)
	if dispatchErr != nil {
		logger.WarnContext(ctx, "scheduled dispatch failed", "error", dispatchErr)

		return s.fail(ctx, j, execution, dispatchErr)
	}

	return s.succeed(ctx, j, execution)
}

// overlaps reports whether the job's previous execution has not finished yet.
func (s *Scheduler) overlaps(ctx context.Context, job *models.ScheduledJob) (bool, error) {
	if job.LastExecutionID == "" {
		return false, nil
	}

	execution, err := s.persistence.Executions().GetByID(ctx, job.LastExecutionID)
	if persistence.IsExecutionNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return execution.Status == models.ExecutionStatusPending || execution.Status == models.ExecutionStatusRunning, nil
}

func (s *Scheduler) dispatch(ctx context.Context, job *models.ScheduledJob) (*models.Execution, error) {
	if job.TimeoutSeconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	return s.starter.StartExecution(ctx, engine.StartRequest{
		WorkflowID:     job.WorkflowID,
		TriggerNodeID:  job.TriggerNodeID,
		Payload:        job.Payload,
		ScheduledJobID: job.ID,
	})
}

// skip pushes the same run one interval forward without touching retry state.
func (s *Scheduler) skip(ctx context.Context, j queue.Job) error {
	var interval time.Duration

	job, err := s.update(ctx, j, func(job *models.ScheduledJob) {
		interval = job.Interval()
		next := s.now().UTC().Add(interval)
		job.NextRunAt = &next
	})
	if err != nil || job == nil {
		return err
	}

	return s.queue.EnqueueIn(ctx, run(job.ID, j.Repeat, j.Retry), interval)
}

func (s *Scheduler) succeed(ctx context.Context, j queue.Job, execution *models.Execution) error {
	now := s.now().UTC()

	job, err := s.update(ctx, j, func(job *models.ScheduledJob) {
		job.RunCount++
		job.CurrentRetry = 0
		job.LastRunAt = &now
		job.LastExecutionID = execution.ID

		if job.IsFinite() && j.Repeat+1 >= job.TotalRepeats {
			job.Status = models.ScheduledJobDone
			job.NextRunAt = nil

			return
		}

		next := now.Add(job.Interval())
		job.CurrentRepeat = j.Repeat + 1
		job.NextRunAt = &next
	})
	if err != nil || job == nil {
		return err
	}

	if job.Status == models.ScheduledJobDone {
		s.logger.InfoContext(ctx, "scheduled job done", "scheduled_job_id", job.ID, "runs", job.RunCount)
		s.transition(ctx, job, "")

		return nil
	}

	return s.queue.EnqueueIn(ctx, run(job.ID, job.CurrentRepeat, 0), job.Interval())
}

func (s *Scheduler) fail(ctx context.Context, j queue.Job, execution *models.Execution, dispatchErr error) error {
	message := engine.Truncate(dispatchErr.Error(), errorTruncate)

	var delay time.Duration

	job, err := s.update(ctx, j, func(job *models.ScheduledJob) {
		job.ErrorCount++
		job.LastError = message

		if execution != nil {
			job.LastExecutionID = execution.ID
		}

		if j.Retry+1 > job.MaxRetries {
			job.Status = models.ScheduledJobDead
			job.NextRunAt = nil

			return
		}

		delay = Backoff(job.Interval(), j.Retry)
		next := s.now().UTC().Add(delay)
		job.CurrentRetry = j.Retry + 1
		job.NextRunAt = &next
	})
	if err != nil || job == nil {
		return err
	}

	if job.Status == models.ScheduledJobDead {
		s.logger.WarnContext(ctx, "scheduled job exhausted its retries",
			"scheduled_job_id", job.ID,
			"errors", job.ErrorCount,
			"last_error", message,
		)
		s.transition(ctx, job, message)

		return nil
	}

	return s.queue.EnqueueIn(ctx, run(job.ID, j.Repeat, job.CurrentRetry), delay)
}

// update applies mutate only if the job is still active at the run's
// (repeat, retry). A nil job means the run went stale meanwhile.
func (s *Scheduler) update(ctx context.Context, j queue.Job, mutate func(*models.ScheduledJob)) (*models.ScheduledJob, error) {
	job, err := s.persistence.ScheduledJobs().Update(ctx, j.ScheduledJobID, func(job *models.ScheduledJob) error {
		if job.Status != models.ScheduledJobActive || job.CurrentRepeat != j.Repeat || job.CurrentRetry != j.Retry {
			return errStale
		}

		mutate(job)

		return nil
	})
	if errors.Is(err, errStale) {
		s.logger.DebugContext(ctx, "scheduled job changed during run", "scheduled_job_id", j.ScheduledJobID)

		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to update scheduled job %s: %w", j.ScheduledJobID, err)
	}

	return job, nil
}

func (s *Scheduler) transition(ctx context.Context, job *models.ScheduledJob, message string) {
	event := events.ScheduledJobTransition{
		BaseEvent:      events.NewBaseEvent(events.ScheduledJobTransitionEvent, "", job.WorkflowID),
		ScheduledJobID: job.ID,
		Status:         string(job.Status),
		CurrentRepeat:  job.CurrentRepeat,
		CurrentRetry:   job.CurrentRetry,
		Error:          message,
	}

	err := s.publisher.Publish(ctx, events.WorkflowChannel(job.WorkflowID), event)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish scheduled job transition", "scheduled_job_id", job.ID, "error", err)
	}
}
