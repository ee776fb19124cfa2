// Package registry maps node kinds to the factories that build them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/pipelit/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var ErrUnknownKind = errors.New("node kind not registered")

// ConfigError lists the schema violations of a node configuration.
type ConfigError struct {
	Kind   string
	NodeID string
	Issues []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config for %s node %s: %s", e.Kind, e.NodeID, strings.Join(e.Issues, "; "))
}

type Registry struct {
	logger *slog.Logger

	mu             sync.RWMutex
	nodeFactories  map[string]protocol.NodeFactory
	compiledSchema map[string]*gojsonschema.Schema
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:         log,
		nodeFactories:  make(map[string]protocol.NodeFactory),
		compiledSchema: make(map[string]*gojsonschema.Schema),
	}
}

// RegisterNode adds a factory, replacing any factory of the same kind.
func (r *Registry) RegisterNode(factory protocol.NodeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodeFactories[factory.ID()] = factory
	delete(r.compiledSchema, factory.ID())
}

func (r *Registry) HasNode(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.nodeFactories[kind]

	return ok
}

// GetAvailableNodes returns the registered factories ordered by kind.
func (r *Registry) GetAvailableNodes() []protocol.NodeFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factories := make([]protocol.NodeFactory, 0, len(r.nodeFactories))
	for _, factory := range r.nodeFactories {
		factories = append(factories, factory)
	}

	slices.SortFunc(factories, func(a, b protocol.NodeFactory) int {
		return strings.Compare(a.ID(), b.ID())
	})

	return factories
}

// CreateNode validates config against the factory schema and builds the node.
func (r *Registry) CreateNode(ctx context.Context, kind, id string, config map[string]any) (protocol.Node, error) {
	r.mu.RLock()
	factory, ok := r.nodeFactories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if config == nil {
		config = map[string]any{}
	}

	if err := r.validate(factory, id, config); err != nil {
		return nil, err
	}

	return factory.Create(ctx, id, config)
}

func (r *Registry) validate(factory protocol.NodeFactory, id string, config map[string]any) error {
	schema, err := r.schemaFor(factory)
	if err != nil {
		return err
	}

	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("failed to validate config for node %s: %w", id, err)
	}

	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}

	return &ConfigError{Kind: factory.ID(), NodeID: id, Issues: issues}
}

func (r *Registry) schemaFor(factory protocol.NodeFactory) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	schema, ok := r.compiledSchema[factory.ID()]
	r.mu.RUnlock()

	if ok {
		return schema, nil
	}

	raw := factory.Schema()
	if len(raw) == 0 {
		return nil, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for node kind %s: %w", factory.ID(), err)
	}

	r.mu.Lock()
	r.compiledSchema[factory.ID()] = schema
	r.mu.Unlock()

	return schema, nil
}

// LoadNodePlugins opens every <pluginsPath>/nodes/**/*.so and returns the
// NodeFactory each one exports under the symbol "Node".
func (r *Registry) LoadNodePlugins(pluginsPath string) ([]protocol.NodeFactory, error) {
	return loadPlugin[protocol.NodeFactory](r.logger, pluginsPath, "Node")
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s does not export %s: %w", p, symbolName, err)
		}

		// Exported variables come back as pointers.
		castV, ok := v.(T)
		if !ok {
			ptr, isPtr := v.(*T)
			if !isPtr || ptr == nil {
				return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
			}

			castV = *ptr
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded node plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
