// Package protocol defines the contracts between the workflow engine and the
// task implementations it drives.
package protocol

import (
	"context"
	"log/slog"

	"github.com/tomjamescn/yawe/pkg/config"
	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/remote"
	"github.com/tomjamescn/yawe/pkg/transfer"
)

// Task is the contract every runnable task satisfies. Execute returns an
// outcome flag plus a human-readable message and must honor ctx cancellation;
// the engine converts panics into failures, but implementations should not
// rely on that. ExportContext returns the variables the task publishes for
// downstream tasks after a successful run.
type Task interface {
	Execute(ctx context.Context) (bool, string)
	ExportContext() (map[string]any, error)
}

// TaskFactory builds tasks of one registered type tag.
type TaskFactory interface {
	// ID returns the type tag the factory is registered under.
	ID() string

	// Create builds a task from its spec. workflowCtx carries the variables
	// exported by the tasks that already succeeded in this run, namespaced
	// by task name.
	Create(spec models.TaskSpec, deps *Dependencies, workflowCtx models.WorkflowContext) (Task, error)
}

// Notifier delivers human-facing notifications. Delivery failure is something
// to log, never a reason to fail a run.
type Notifier interface {
	SendSuccess(title, message string) error
	SendFailure(title, message string) error
	SendWarning(title, message string) error
}

// Dependencies carries the shared collaborators injected into tasks. Fields
// may be nil when the configuration does not provide them; each task checks
// for the collaborators it requires and fails with a clear message otherwise.
type Dependencies struct {
	Logger   *slog.Logger
	Config   *config.Config
	Notifier Notifier
	Remote   *remote.Dialer
	Transfer *transfer.Service
}
