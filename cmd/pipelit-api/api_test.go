package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/pipelit/pkg/engine"
	"github.com/dukex/pipelit/pkg/mocks"
	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/persistence/file"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/registry"
	"github.com/dukex/pipelit/pkg/statestore"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) (*fiber.App, *queue.RedisQueue) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	persistence := file.NewPersistence(t.TempDir())

	require.NoError(t, persistence.Workflows().Save(context.Background(), &models.Workflow{
		ID:   "wf-1",
		Name: "greeting",
		Nodes: []*models.WorkflowNode{
			{ID: "T", Kind: "trigger_manual"},
			{ID: "X", Kind: "log", Config: map[string]any{"message": "hello"}},
		},
		Edges: []*models.Edge{{ID: "T-X", Source: "T", Target: "X"}},
	}))

	eventBus := &mocks.MockEventBus{}
	eventBus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultNodes()

	jobs := queue.NewRedisQueue(client, logger, "test")

	api := NewAPI(
		logger,
		engine.DefaultConfig(),
		persistence,
		statestore.NewRedisStore(client, logger),
		jobs,
		reg,
		eventBus,
	)

	return api.App(), jobs
}

func request(t *testing.T, app *fiber.App, method, path, body string) (int, string) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(payload)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body := request(t, app, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Pipelit API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body := request(t, app, http.MethodGet, "/livez", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, body = request(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"healthy"`)
}

func TestAPI_StartExecutionEnqueuesEntryNodes(t *testing.T) {
	app, jobs := setupTestApp(t)

	status, body := request(t, app, http.MethodPost, "/executions", `{"workflow_id":"wf-1","trigger_node_id":"T"}`)
	require.Equal(t, http.StatusAccepted, status, body)

	var execution models.Execution
	require.NoError(t, json.Unmarshal([]byte(body), &execution))
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)

	queued, err := jobs.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)

	status, body = request(t, app, http.MethodGet, "/executions/"+execution.ID, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"workflow_id":"wf-1"`)
}
