package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNode struct {
	id string
}

func (s *stubNode) ID() string   { return s.id }
func (s *stubNode) Kind() string { return "stub" }

func (s *stubNode) Execute(context.Context, protocol.NodeContext, *models.ExecutionState) (protocol.Result, error) {
	return protocol.Update(nil), nil
}

type stubFactory struct {
	schema map[string]any
}

func (f *stubFactory) Create(_ context.Context, id string, _ map[string]any) (protocol.Node, error) {
	return &stubNode{id: id}, nil
}

func (f *stubFactory) ID() string             { return "stub" }
func (f *stubFactory) Name() string           { return "Stub" }
func (f *stubFactory) Description() string    { return "test node" }
func (f *stubFactory) Schema() map[string]any { return f.schema }

func TestRegisterDefaultNodes(t *testing.T) {
	registry := NewRegistry(slog.Default())
	registry.RegisterDefaultNodes()

	kinds := make([]string, 0)
	for _, factory := range registry.GetAvailableNodes() {
		kinds = append(kinds, factory.ID())
	}

	assert.Equal(t, []string{"human_confirmation", "log", "loop", "merge", "subworkflow", "switch", "transform"}, kinds)
	assert.True(t, registry.HasNode("merge"))
	assert.False(t, registry.HasNode("trigger_manual"))
}

func TestCreateNode_UnknownKind(t *testing.T) {
	registry := NewRegistry(slog.Default())

	_, err := registry.CreateNode(context.Background(), "nope", "n1", nil)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestCreateNode_SchemaValidation(t *testing.T) {
	registry := NewRegistry(slog.Default())
	registry.RegisterDefaultNodes()

	_, err := registry.CreateNode(context.Background(), "log", "n1", map[string]any{"level": "loud"})
	require.Error(t, err)

	var configErr *ConfigError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "log", configErr.Kind)
	assert.Equal(t, "n1", configErr.NodeID)
	assert.NotEmpty(t, configErr.Issues)

	node, err := registry.CreateNode(context.Background(), "log", "n1", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "n1", node.ID())
}

func TestCreateNode_EmptySchemaSkipsValidation(t *testing.T) {
	registry := NewRegistry(slog.Default())
	registry.RegisterNode(&stubFactory{})

	node, err := registry.CreateNode(context.Background(), "stub", "s1", map[string]any{"anything": true})
	require.NoError(t, err)
	assert.Equal(t, "s1", node.ID())
}

func TestCreateNode_InvalidSchema(t *testing.T) {
	registry := NewRegistry(slog.Default())
	registry.RegisterNode(&stubFactory{schema: map[string]any{"type": 12}})

	_, err := registry.CreateNode(context.Background(), "stub", "s1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema for node kind stub")
}
