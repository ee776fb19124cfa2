// Package sweeper runs the periodic maintenance tasks of a worker: zombie
// recovery, child deadline sweeps and confirmation expiry.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Task is one maintenance job. Run returns how many records it touched.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

type Sweeper struct {
	tasks  []Task
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates every task schedule. Specs use the standard cron syntax or
// descriptors such as "@every 30s".
func New(logger *slog.Logger, tasks ...Task) (*Sweeper, error) {
	for _, task := range tasks {
		if task.Name == "" || task.Run == nil {
			return nil, errors.New("sweeper task requires a name and a run function")
		}

		if _, err := cron.ParseStandard(task.Spec); err != nil {
			return nil, fmt.Errorf("invalid schedule for task %s: %w", task.Name, err)
		}
	}

	logger = logger.With("module", "sweeper")

	return &Sweeper{
		tasks:  tasks,
		logger: logger,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{logger}),
			cron.Recover(cronLogger{logger}),
		)),
	}, nil
}

// Start schedules every task. Runs use ctx until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, task := range s.tasks {
		id, err := s.cron.AddFunc(task.Spec, func() { s.run(s.ctx, task) })
		if err != nil {
			s.cancel()

			return fmt.Errorf("failed to schedule task %s: %w", task.Name, err)
		}

		s.logger.Info("maintenance task scheduled", "task", task.Name, "spec", task.Spec, "entry", id)
	}

	s.cron.Start()

	return nil
}

// RunOnce runs every task immediately, in order.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error

	for _, task := range s.tasks {
		if err := s.run(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
		}
	}

	return errors.Join(errs...)
}

// Stop halts scheduling and waits for running tasks or ctx, whichever ends first.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()

	if s.cancel != nil {
		defer s.cancel()
	}

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run(ctx context.Context, task Task) error {
	count, err := task.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance task failed", "task", task.Name, "error", err)

		return err
	}

	if count > 0 {
		s.logger.InfoContext(ctx, "maintenance task done", "task", task.Name, "count", count)
	}

	return nil
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
