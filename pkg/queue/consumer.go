package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Consumer claims due jobs and dispatches them to a fixed pool of workers.
type Consumer struct {
	queue        *RedisQueue
	logger       *slog.Logger
	handlers     map[JobType]Handler
	concurrency  int
	pollInterval time.Duration
}

// NewConsumer creates a consumer running concurrency workers.
func NewConsumer(queue *RedisQueue, logger *slog.Logger, concurrency int, pollInterval time.Duration) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	return &Consumer{
		queue:        queue,
		logger:       logger.With("module", "queue-consumer"),
		handlers:     make(map[JobType]Handler),
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Handle registers the handler for a job type.
func (c *Consumer) Handle(jobType JobType, handler Handler) {
	c.handlers[jobType] = handler
}

// Run consumes jobs until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	jobs := make(chan Job)

	var wg sync.WaitGroup

	for i := range c.concurrency {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			for job := range jobs {
				c.dispatch(ctx, worker, job)
			}
		}(i)
	}

	c.logger.InfoContext(ctx, "queue consumer started", "concurrency", c.concurrency)

	err := c.poll(ctx, jobs)

	close(jobs)
	wg.Wait()

	c.logger.InfoContext(ctx, "queue consumer stopped")

	return err
}

func (c *Consumer) poll(ctx context.Context, jobs chan<- Job) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		claimed, err := c.queue.Claim(ctx, c.queue.now(), c.concurrency)
		if err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "failed to claim jobs", "error", err)
		}

		if len(claimed) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.pollInterval):
			}

			continue
		}

		for i, job := range claimed {
			select {
			case jobs <- job:
			case <-ctx.Done():
				c.requeue(claimed[i:])

				return nil
			}
		}
	}
}

// requeue hands claimed but undispatched jobs back on shutdown.
func (c *Consumer) requeue(jobs []Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, job := range jobs {
		err := c.queue.Enqueue(ctx, job)
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to requeue job on shutdown", "job_id", job.ID, "error", err)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, worker int, job Job) {
	logger := c.logger.With("worker", worker, "job_id", job.ID, "type", job.Type)

	handler, ok := c.handlers[job.Type]
	if !ok {
		logger.ErrorContext(ctx, "no handler registered for job type")

		return
	}

	err := safeRun(ctx, handler, job)
	if err != nil {
		logger.ErrorContext(ctx, "job failed", "error", err)
	}
}

func safeRun(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	return handler(ctx, job)
}
