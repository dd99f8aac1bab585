package notification

import (
	"errors"

	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
)

// TaskFactory builds notification tasks.
type TaskFactory struct{}

func NewTaskFactory() *TaskFactory {
	return &TaskFactory{}
}

func (f *TaskFactory) ID() string {
	return "notification"
}

func (f *TaskFactory) Create(spec models.TaskSpec, deps *protocol.Dependencies, workflowCtx models.WorkflowContext) (protocol.Task, error) {
	if deps == nil {
		return nil, errors.New("notification task needs its runtime dependencies")
	}

	return NewTask(spec, deps, workflowCtx), nil
}
