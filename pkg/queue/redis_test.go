package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return queue.NewRedisQueue(client, logger, "test")
}

func TestRedisQueue_EnqueueAndClaim(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.NodeJob("e1", "A", 0)))
	require.NoError(t, q.Enqueue(ctx, queue.NodeJob("e1", "B", 0)))

	jobs, err := q.Claim(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	nodes := []string{jobs[0].NodeID, jobs[1].NodeID}
	assert.ElementsMatch(t, []string{"A", "B"}, nodes)
	assert.NotEmpty(t, jobs[0].ID)
	assert.Equal(t, queue.JobExecuteNode, jobs[0].Type)

	jobs, err = q.Claim(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRedisQueue_DelayedJobsAreNotDueEarly(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueIn(ctx, queue.NodeJob("e1", "A", 1), time.Minute))

	jobs, err := q.Claim(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = q.Claim(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].RetryCount)
}

func TestRedisQueue_DuplicateIDsAreDropped(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	job := queue.Job{ID: "sched:j1:0:0", Type: queue.JobExecuteScheduledJob, ScheduledJobID: "j1"}

	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.Enqueue(ctx, job))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	jobs, err := q.Claim(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// once consumed, the same id may be queued again
	require.NoError(t, q.Enqueue(ctx, job))

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsumer_DispatchesByType(t *testing.T) {
	q := setupQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	consumer := queue.NewConsumer(q, logger, 2, 10*time.Millisecond)

	var (
		mu   sync.Mutex
		seen []string
	)

	done := make(chan struct{}, 3)

	consumer.Handle(queue.JobExecuteNode, func(_ context.Context, job queue.Job) error {
		mu.Lock()
		seen = append(seen, job.NodeID)
		mu.Unlock()
		done <- struct{}{}

		return nil
	})
	consumer.Handle(queue.JobExecuteScheduledJob, func(_ context.Context, job queue.Job) error {
		mu.Lock()
		seen = append(seen, job.ScheduledJobID)
		mu.Unlock()
		done <- struct{}{}

		return errors.New("handler errors are logged, not fatal")
	})

	require.NoError(t, q.Enqueue(ctx, queue.NodeJob("e1", "A", 0)))
	require.NoError(t, q.Enqueue(ctx, queue.NodeJob("e1", "B", 0)))
	require.NoError(t, q.Enqueue(ctx, queue.Job{Type: queue.JobExecuteScheduledJob, ScheduledJobID: "j1"}))

	runErr := make(chan error, 1)

	go func() {
		runErr <- consumer.Run(ctx)
	}()

	for range 3 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	cancel()
	require.NoError(t, <-runErr)

	mu.Lock()
	defer mu.Unlock()

	assert.ElementsMatch(t, []string{"A", "B", "j1"}, seen)
}
