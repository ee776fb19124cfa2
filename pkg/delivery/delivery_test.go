package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_Deliver(t *testing.T) {
	var buf bytes.Buffer

	deliverer := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	err := deliverer.Deliver(context.Background(), &models.Execution{
		ID:          "e1",
		WorkflowID:  "wf",
		FinalOutput: "done",
	})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "execution_id=e1")
	assert.Contains(t, buf.String(), "output=done")
	assert.Contains(t, buf.String(), "module=delivery")
}

func TestFunc_Deliver(t *testing.T) {
	var got string

	deliverer := Func(func(_ context.Context, execution *models.Execution) error {
		got = execution.ID

		return nil
	})

	require.NoError(t, deliverer.Deliver(context.Background(), &models.Execution{ID: "e2"}))
	assert.Equal(t, "e2", got)
}
