// Package log provides the log node, which writes a rendered message to the worker log.
package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/pipelit/pkg/models"
	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/dukex/pipelit/pkg/template"
)

const Kind = "log"

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LogNode logs a templated message and records it as its output.
type LogNode struct {
	id      string
	message string
	level   string
}

func NewLogNode(id string, config map[string]any) (*LogNode, error) {
	message, ok := config["message"].(string)
	if !ok {
		return nil, errors.New("missing required field 'message'")
	}

	level := "info"
	if lvl, ok := config["level"].(string); ok {
		if _, known := levels[lvl]; !known {
			return nil, fmt.Errorf("invalid log level '%s' (must be debug, info, warn, or error)", lvl)
		}

		level = lvl
	}

	return &LogNode{id: id, message: message, level: level}, nil
}

func (n *LogNode) ID() string   { return n.id }
func (n *LogNode) Kind() string { return Kind }

func (n *LogNode) Execute(ctx context.Context, nc protocol.NodeContext, state *models.ExecutionState) (protocol.Result, error) {
	loopID := ""
	if nc.Node != nil {
		loopID = nc.Node.LoopID
	}

	message, err := template.RenderString(n.message, state, loopID)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to render log message template: %w", err)
	}

	logger := nc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Log(ctx, levels[n.level], message, "node_id", n.id, "node_type", Kind)

	return protocol.Update(&models.StateUpdate{
		NodeOutput: map[string]any{
			"message": message,
			"level":   n.level,
		},
	}), nil
}
