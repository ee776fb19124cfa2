package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/pipelit/pkg/engine"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/recovery"
	"github.com/dukex/pipelit/pkg/scheduler"
	"github.com/dukex/pipelit/pkg/sweeper"
)

// Schedules are the cron specs of the periodic maintenance tasks.
type Schedules struct {
	Recovery     string
	ChildSweep   string
	Confirmation string
}

type WorkerManager struct {
	id        string
	logger    *slog.Logger
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	recovery  *recovery.Recovery
	consumer  *queue.Consumer
	sweeper   *sweeper.Sweeper
}

func NewWorkerManager(
	id string,
	logger *slog.Logger,
	engine *engine.Engine,
	scheduler *scheduler.Scheduler,
	recovery *recovery.Recovery,
	consumer *queue.Consumer,
	schedules Schedules,
) (*WorkerManager, error) {
	sweep, err := sweeper.New(logger,
		sweeper.Task{Name: "zombie-recovery", Spec: schedules.Recovery, Run: recovery.Run},
		sweeper.Task{Name: "child-deadlines", Spec: schedules.ChildSweep, Run: engine.SweepChildDeadlines},
		sweeper.Task{Name: "confirmation-expiry", Spec: schedules.Confirmation, Run: engine.ExpirePendingTasks},
	)
	if err != nil {
		return nil, err
	}

	consumer.Handle(queue.JobExecuteNode, engine.ExecuteNode)
	consumer.Handle(queue.JobExecuteScheduledJob, scheduler.Handle)

	return &WorkerManager{
		id:        id,
		logger:    logger,
		engine:    engine,
		scheduler: scheduler,
		recovery:  recovery,
		consumer:  consumer,
		sweeper:   sweep,
	}, nil
}

// Start recovers what a previous worker left behind, then consumes jobs
// until ctx is cancelled.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	w.recover(ctx)

	err := w.sweeper.Start(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err := w.sweeper.Stop(context.Background()); err != nil {
			w.logger.Error("Failed to stop sweeper", "error", err)
		}
	}()

	w.logger.InfoContext(ctx, "Worker started successfully")

	err = w.consumer.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

// recover never stops startup. Both steps run again later: zombie recovery
// on its schedule, stale scheduled jobs on the next worker start.
func (w *WorkerManager) recover(ctx context.Context) {
	failed, err := w.recovery.Run(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Zombie recovery finished with errors", "error", err)
	}

	if failed > 0 {
		w.logger.WarnContext(ctx, "Failed stalled executions", "count", failed)
	}

	rescheduled, err := w.scheduler.RecoverStale(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to recover stale scheduled jobs", "error", err)
	}

	if rescheduled > 0 {
		w.logger.InfoContext(ctx, "Re-enqueued overdue scheduled jobs", "count", rescheduled)
	}
}
