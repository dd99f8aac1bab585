// Package notification sends a standalone notification as a workflow step,
// for checkpoints worth announcing independently of task outcomes.
package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
	"github.com/tomjamescn/yawe/pkg/template"
)

const (
	levelSuccess = "success"
	levelWarning = "warning"
	levelFailure = "failure"
)

// Task sends one configured notification.
type Task struct {
	name        string
	opts        protocol.Options
	deps        *protocol.Dependencies
	workflowCtx models.WorkflowContext
	logger      *slog.Logger
}

func NewTask(spec models.TaskSpec, deps *protocol.Dependencies, workflowCtx models.WorkflowContext) *Task {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Task{
		name:        spec.Name,
		opts:        protocol.Options(spec.Options),
		deps:        deps,
		workflowCtx: workflowCtx,
		logger:      logger.With("task", spec.Name, "task_type", "notification"),
	}
}

func (t *Task) Execute(ctx context.Context) (bool, string) {
	if t.deps.Notifier == nil {
		return false, fmt.Sprintf("notification task '%s' needs a configured notifier (set notifier.api_url)", t.name)
	}

	rawTitle := t.opts.String("title", "")
	if rawTitle == "" {
		return false, fmt.Sprintf("notification task '%s' needs a title option", t.name)
	}

	rawMessage := t.opts.String("message", "")
	if rawMessage == "" {
		return false, fmt.Sprintf("notification task '%s' needs a message option", t.name)
	}

	vars := template.RenderVars(t.workflowCtx, t.opts.Params())

	title, err := template.Render(rawTitle, vars)
	if err != nil {
		return false, fmt.Sprintf("failed to render title: %v", err)
	}

	message, err := template.Render(rawMessage, vars)
	if err != nil {
		return false, fmt.Sprintf("failed to render message: %v", err)
	}

	level := t.opts.String("level", levelSuccess)

	var send func(title, message string) error

	switch level {
	case levelSuccess:
		send = t.deps.Notifier.SendSuccess
	case levelWarning:
		send = t.deps.Notifier.SendWarning
	case levelFailure:
		send = t.deps.Notifier.SendFailure
	default:
		return false, fmt.Sprintf("unknown level '%s' (want success, warning or failure)", level)
	}

	t.logger.Info("Sending notification", "level", level, "title", title)

	if err := send(title, message); err != nil {
		return false, fmt.Sprintf("failed to send notification: %v", err)
	}

	return true, fmt.Sprintf("sent %s notification: %s", level, title)
}

// ExportContext returns nothing: a notification has no outcome worth passing
// downstream.
func (t *Task) ExportContext() (map[string]any, error) {
	return nil, nil
}
