// Package registry maps task type tags to the factories that build them.
package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
)

// Registry holds the known task factories. New task kinds are registered at
// process startup; the engine never needs changes to support them.
type Registry struct {
	logger        *slog.Logger
	taskFactories map[string]protocol.TaskFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:        log,
		taskFactories: make(map[string]protocol.TaskFactory),
	}
}

// Register adds a factory under its ID, replacing any previous registration
// of the same tag.
func (r *Registry) Register(taskFactory protocol.TaskFactory) {
	r.taskFactories[taskFactory.ID()] = taskFactory
}

// Create builds a task of the given type. Unknown tags are an error naming
// the tag.
func (r *Registry) Create(taskType string, spec models.TaskSpec, deps *protocol.Dependencies, workflowCtx models.WorkflowContext) (protocol.Task, error) {
	factory, ok := r.taskFactories[taskType]
	if !ok {
		return nil, fmt.Errorf("task type '%s' not registered", taskType)
	}

	return factory.Create(spec, deps, workflowCtx)
}

// Types returns the registered type tags, sorted for stable diagnostics.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.taskFactories))
	for taskType := range r.taskFactories {
		types = append(types, taskType)
	}

	sort.Strings(types)

	return types
}
