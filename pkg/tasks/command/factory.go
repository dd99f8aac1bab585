package command

import (
	"errors"

	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
)

// TaskFactory builds command tasks.
type TaskFactory struct{}

func NewTaskFactory() *TaskFactory {
	return &TaskFactory{}
}

func (f *TaskFactory) ID() string {
	return "command"
}

func (f *TaskFactory) Create(spec models.TaskSpec, deps *protocol.Dependencies, workflowCtx models.WorkflowContext) (protocol.Task, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("command task needs its runtime dependencies")
	}

	return NewTask(spec, deps, workflowCtx), nil
}
