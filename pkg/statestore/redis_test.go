package statestore_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/statestore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*statestore.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return statestore.NewRedisStore(client, logger, statestore.WithTTL(time.Hour)), mini
}

func TestRedisStore_StateRoundTripAndTTL(t *testing.T) {
	store, mini := setupStore(t)
	ctx := context.Background()

	_, err := store.LoadState(ctx, "e1")
	require.ErrorIs(t, err, statestore.ErrNotFound)

	state := models.NewExecutionState("e1", "wf", map[string]any{"text": "hi"}, nil)
	state.NodeOutputs["A"] = "out"

	require.NoError(t, store.SaveState(ctx, state))

	loaded, err := store.LoadState(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "out", loaded.NodeOutputs["A"])
	assert.Equal(t, time.Hour, mini.TTL("pipelit:exec:e1:state"))

	mini.FastForward(2 * time.Hour)

	_, err = store.LoadState(ctx, "e1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestRedisStore_UpdateStateKeepsConcurrentMerges(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.UpdateState(ctx, "missing", func(*models.ExecutionState) error { return nil })
	require.ErrorIs(t, err, statestore.ErrNotFound)

	require.NoError(t, store.SaveState(ctx, models.NewExecutionState("e1", "wf", nil, nil)))

	branches := []string{"B", "C", "D", "E", "F", "G"}

	var wg sync.WaitGroup

	for _, branch := range branches {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := store.UpdateState(ctx, "e1", func(state *models.ExecutionState) error {
				state.Merge(branch, &models.StateUpdate{NodeOutput: branch + "-out"})

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	state, err := store.LoadState(ctx, "e1")
	require.NoError(t, err)

	for _, branch := range branches {
		assert.Equal(t, branch+"-out", state.NodeOutputs[branch])
	}
}

func TestRedisStore_Topology(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	topo := &models.WorkflowTopology{
		WorkflowID:    "wf",
		Nodes:         map[string]*models.TopologyNode{"A": {ID: "A", Kind: "agent"}},
		EntryNodeIDs:  []string{"A"},
		IncomingCount: map[string]int{},
	}

	require.NoError(t, store.SaveTopology(ctx, "e1", topo))

	loaded, err := store.LoadTopology(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, loaded.EntryNodeIDs)
	assert.Equal(t, "agent", loaded.Nodes["A"].Kind)
}

func TestRedisStore_IncrementFanInIsExact(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	const arrivals = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)

	for range arrivals {
		wg.Add(1)

		go func() {
			defer wg.Done()

			count, err := store.IncrementFanIn(ctx, "e1", "D")
			assert.NoError(t, err)

			if count == arrivals {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestRedisStore_FanInCounts(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	counts, err := store.FanInCounts(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, counts)

	for _, target := range []string{"D", "D", "M#0"} {
		_, err := store.IncrementFanIn(ctx, "e1", target)
		require.NoError(t, err)
	}

	counts, err = store.FanInCounts(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"D": 2, "M#0": 1}, counts)
}

func TestRedisStore_CompletedAndInFlight(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkCompleted(ctx, "e1", "A"))
	require.NoError(t, store.MarkCompleted(ctx, "e1", "B"))
	require.NoError(t, store.MarkCompleted(ctx, "e1", "A"))

	nodes, err := store.CompletedNodes(ctx, "e1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, nodes)

	n, err := store.AddInFlight(ctx, "e1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.AddInFlight(ctx, "e1", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_ChildWaits(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SetChildWait(ctx, statestore.ChildWait{
		ExecutionID: "p1", NodeID: "S", ChildExecutionID: "c1", Deadline: now.Add(-time.Minute),
	}))
	require.NoError(t, store.SetChildWait(ctx, statestore.ChildWait{
		ExecutionID: "p2", NodeID: "S", ChildExecutionID: "c2", Deadline: now.Add(time.Hour),
	}))

	expired, err := store.ExpiredChildWaits(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "p1", expired[0].ExecutionID)
	assert.Equal(t, "c1", expired[0].ChildExecutionID)

	wait, err := store.GetChildWait(ctx, "p2", "S")
	require.NoError(t, err)
	assert.Equal(t, "c2", wait.ChildExecutionID)

	require.NoError(t, store.DeleteChildWait(ctx, "p1", "S"))

	expired, err = store.ExpiredChildWaits(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	_, err = store.GetChildWait(ctx, "p1", "S")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestRedisStore_Cleanup(t *testing.T) {
	store, mini := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, models.NewExecutionState("e1", "wf", nil, nil)))
	require.NoError(t, store.SaveTopology(ctx, "e1", &models.WorkflowTopology{WorkflowID: "wf"}))
	_, err := store.IncrementFanIn(ctx, "e1", "D")
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, "e1", "A"))
	_, err = store.AddInFlight(ctx, "e1", 1)
	require.NoError(t, err)
	require.NoError(t, store.SetChildWait(ctx, statestore.ChildWait{
		ExecutionID: "e1", NodeID: "S", ChildExecutionID: "c1", Deadline: time.Now().Add(-time.Second),
	}))

	require.NoError(t, store.Cleanup(ctx, "e1"))

	for _, suffix := range []string{"state", "topology", "fanin", "completed", "inflight", "child_wait"} {
		assert.False(t, mini.Exists("pipelit:exec:e1:"+suffix), suffix)
	}

	expired, err := store.ExpiredChildWaits(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestRedisStore_Retain(t *testing.T) {
	store, mini := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, models.NewExecutionState("e1", "wf", nil, nil)))
	require.NoError(t, store.SaveTopology(ctx, "e1", &models.WorkflowTopology{WorkflowID: "wf"}))

	require.NoError(t, store.Retain(ctx, "e1", 25*time.Hour))

	assert.Equal(t, 25*time.Hour, mini.TTL("pipelit:exec:e1:state"))
	assert.Equal(t, 25*time.Hour, mini.TTL("pipelit:exec:e1:topology"))
	assert.False(t, mini.Exists("pipelit:exec:e1:fanin"))

	require.NoError(t, store.Retain(ctx, "e1", time.Minute))
	assert.Equal(t, 25*time.Hour, mini.TTL("pipelit:exec:e1:state"))
}

func TestRedisStore_WritesKeepRetainedLifetime(t *testing.T) {
	store, mini := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, models.NewExecutionState("e1", "wf", nil, nil)))
	_, err := store.AddInFlight(ctx, "e1", 1)
	require.NoError(t, err)
	require.NoError(t, store.Retain(ctx, "e1", 3*time.Hour))

	mini.FastForward(90 * time.Minute)

	_, err = store.UpdateState(ctx, "e1", func(state *models.ExecutionState) error {
		state.LastNode = "A"

		return nil
	})
	require.NoError(t, err)
	_, err = store.AddInFlight(ctx, "e1", 1)
	require.NoError(t, err)
	_, err = store.IncrementFanIn(ctx, "e1", "D")
	require.NoError(t, err)
	require.NoError(t, store.SaveState(ctx, models.NewExecutionState("e1", "wf", nil, nil)))

	assert.Equal(t, 90*time.Minute, mini.TTL("pipelit:exec:e1:state"))
	assert.Equal(t, 90*time.Minute, mini.TTL("pipelit:exec:e1:inflight"))
	assert.Equal(t, time.Hour, mini.TTL("pipelit:exec:e1:fanin"))

	mini.FastForward(80 * time.Minute)

	state, err := store.LoadState(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", state.ExecutionID)

	_, err = store.UpdateState(ctx, "e1", func(*models.ExecutionState) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mini.TTL("pipelit:exec:e1:state"))
}
