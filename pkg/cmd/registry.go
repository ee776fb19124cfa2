// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/pipelit/pkg/registry"
)

func registerNodePlugins(reg *registry.Registry, pluginsPath string) {
	nodePlugins, err := reg.LoadNodePlugins(pluginsPath)
	if err != nil {
		panic(err)
	}

	for _, plugin := range nodePlugins {
		reg.RegisterNode(plugin)
	}
}

// NewRegistry registers the built-in node kinds plus any plugins under pluginsPath.
func NewRegistry(log *slog.Logger, pluginsPath string) *registry.Registry {
	reg := registry.NewRegistry(log)
	reg.RegisterDefaultNodes()

	if pluginsPath != "" {
		registerNodePlugins(reg, pluginsPath)
	}

	return reg
}
