// Package workflow runs configured tasks strictly in order, checkpointing
// every status transition to a snapshot so an interrupted or failed run can
// resume where it stopped.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomjamescn/yawe/pkg/config"
	"github.com/tomjamescn/yawe/pkg/log"
	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
	"github.com/tomjamescn/yawe/pkg/registry"
	"github.com/tomjamescn/yawe/pkg/state"
)

// Engine executes one workflow run. Tasks run sequentially on the calling
// goroutine; the only concurrency is inside collaborators (context
// watchdogs), so the engine keeps no locks.
type Engine struct {
	cfg      *config.Config
	deps     *protocol.Dependencies
	registry *registry.Registry
	logger   *slog.Logger

	stateManager *state.Manager
	resumeState  *models.WorkflowState
	startTask    string

	state       *models.WorkflowState
	workflowCtx models.WorkflowContext

	executedTasks []string
	failedTasks   []failedTask
	skippedTasks  []string
}

type failedTask struct {
	name    string
	message string
}

type Option func(*Engine)

// WithStateManager enables snapshot persistence. Without it the engine still
// runs but nothing survives the process.
func WithStateManager(manager *state.Manager) Option {
	return func(e *Engine) {
		e.stateManager = manager
	}
}

// WithResumeState adopts a previously loaded snapshot: same run ID, same
// file, exported variables restored. Takes precedence over WithStartTask.
func WithResumeState(loaded *models.WorkflowState) Option {
	return func(e *Engine) {
		e.resumeState = loaded
	}
}

// WithStartTask starts a fresh run at the named task. Earlier tasks are
// skipped and export no variables.
func WithStartTask(name string) Option {
	return func(e *Engine) {
		e.startTask = name
	}
}

func New(cfg *config.Config, deps *protocol.Dependencies, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		deps:        deps,
		registry:    reg,
		logger:      log.WithModule("workflow"),
		workflowCtx: models.WorkflowContext{},
	}

	if deps != nil && deps.Logger != nil {
		e.logger = deps.Logger
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run executes the workflow and returns the number of failed tasks. A nil
// error with a non-zero count means the run completed but some tasks failed;
// ErrInterrupted means the context was cancelled mid-run.
func (e *Engine) Run(ctx context.Context) (int, error) {
	specs := e.cfg.Workflow.Tasks
	settings := e.cfg.Workflow.Settings

	if len(specs) == 0 {
		e.logger.Warn("Workflow has no tasks to run")
		return 0, nil
	}

	if err := checkUniqueNames(specs); err != nil {
		return 0, err
	}

	startIndex, err := e.prepare(specs, settings)
	if err != nil {
		return 0, err
	}

	e.logger.Info("Running workflow", "tasks", len(specs))

	total := len(specs)

	for i, spec := range specs {
		if ctx.Err() != nil {
			return e.interrupt(ctx.Err())
		}

		position := fmt.Sprintf("[%d/%d]", i+1, total)

		if i < startIndex {
			e.logger.Info(position+" Skipping task before start point", "task", spec.Name)
			e.skippedTasks = append(e.skippedTasks, spec.Name)

			continue
		}

		if !spec.IsEnabled() {
			e.logger.Info(position+" Task disabled, skipping", "task", spec.Name)
			e.skippedTasks = append(e.skippedTasks, spec.Name)

			continue
		}

		if spec.Type == "" {
			e.logger.Error(position+" Task has no type", "task", spec.Name)
			e.recordFailure(i, spec, "missing task type")

			if spec.AbortsOnError() && settings.StopsOnFirstError() {
				break
			}

			continue
		}

		e.logger.Info(position+" Running task", "task", spec.Name, "type", spec.Type)

		e.updateTaskState(i, models.TaskStatusRunning, "", nil)
		e.saveState()

		success, message, exported := e.runTask(ctx, spec)

		e.executedTasks = append(e.executedTasks, spec.Name)

		if success {
			e.logger.Info(position+" Task succeeded", "task", spec.Name, "message", message)

			if len(exported) > 0 {
				e.mergeExports(spec.Name, exported)
			}

			e.updateTaskState(i, models.TaskStatusSuccess, message, exported)

			if e.state != nil {
				e.state.WorkflowContext = e.workflowCtx
			}

			e.saveState()

			if spec.NotifyOnSuccess {
				e.notify(spec, true, message)
			}

			continue
		}

		e.logger.Error(position+" Task failed", "task", spec.Name, "message", message)
		e.recordFailure(i, spec, message)

		if spec.AbortsOnError() && settings.StopsOnFirstError() {
			e.logger.Error("Stopping workflow after task failure", "task", spec.Name)
			break
		}
	}

	if ctx.Err() != nil {
		return e.interrupt(ctx.Err())
	}

	finalStatus := models.WorkflowStatusSuccess
	if len(e.failedTasks) > 0 {
		finalStatus = models.WorkflowStatusFailed
	}

	if e.state != nil {
		e.state.Metadata.WorkflowStatus = finalStatus
		e.saveState()
	}

	e.logSummary()

	return len(e.failedTasks), nil
}

// prepare resolves the start position and sets up the snapshot: adopt the
// resume snapshot, or create a fresh one (possibly starting at a named task).
func (e *Engine) prepare(specs []models.TaskSpec, settings models.Settings) (int, error) {
	switch {
	case e.resumeState != nil:
		e.state = e.resumeState
		e.restoreContext()

		startIndex := resumePoint(e.state)
		e.logResumeInfo(startIndex)

		// The adopted snapshot keeps its run ID and file; only the status
		// flips back to running until the run completes again.
		e.state.Metadata.WorkflowStatus = models.WorkflowStatusRunning
		e.saveState()

		return startIndex, nil

	case e.startTask != "":
		startIndex := findTaskIndex(specs, e.startTask)
		if startIndex < 0 {
			return 0, &TaskNotFoundError{Name: e.startTask, Known: taskNames(specs)}
		}

		e.logger.Info("Starting from named task", "task", e.startTask)

		if startIndex > 0 {
			e.logger.Warn("Skipped tasks export no variables; later templates that reference them will fail",
				"skipped", strings.Join(taskNames(specs[:startIndex]), ", "))
		}

		if e.stateManager != nil {
			e.state = e.stateManager.CreateState(specs, settings)
			e.saveState()
		}

		return startIndex, nil

	default:
		e.logger.Info("Starting new workflow run")

		if e.stateManager != nil {
			e.state = e.stateManager.CreateState(specs, settings)
			e.saveState()
		}

		return 0, nil
	}
}

// runTask builds and executes one task. Panics become ordinary failures; an
// export error after a successful execution is logged and swallowed, the
// task stays successful.
func (e *Engine) runTask(ctx context.Context, spec models.TaskSpec) (success bool, message string, exported map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			success = false
			message = fmt.Sprintf("task panicked: %v", r)
			exported = nil

			e.logger.Error("Task panicked", "task", spec.Name, "panic", r)
		}
	}()

	task, err := e.registry.Create(spec.Type, spec, e.deps, e.workflowCtx)
	if err != nil {
		return false, err.Error(), nil
	}

	success, message = task.Execute(ctx)
	if !success {
		return false, message, nil
	}

	vars, err := task.ExportContext()
	if err != nil {
		e.logger.Warn("Failed to collect exported variables", "task", spec.Name, "error", err)
		return true, message, nil
	}

	return true, message, vars
}

func (e *Engine) recordFailure(index int, spec models.TaskSpec, message string) {
	e.failedTasks = append(e.failedTasks, failedTask{name: spec.Name, message: message})

	e.updateTaskState(index, models.TaskStatusFailed, message, nil)
	e.saveState()

	if spec.NotifyOnFailure {
		e.notify(spec, false, message)
	}
}

func (e *Engine) interrupt(cause error) (int, error) {
	e.logger.Warn("Workflow interrupted", "error", cause)

	if e.state != nil {
		e.state.Metadata.WorkflowStatus = models.WorkflowStatusInterrupted
		e.state.Metadata.LastUpdate = models.Now()
		e.saveState()
	}

	e.logSummary()

	return len(e.failedTasks), ErrInterrupted
}

func (e *Engine) updateTaskState(index int, status models.TaskStatus, message string, exported map[string]any) {
	if e.state == nil {
		return
	}

	if index >= len(e.state.Tasks) {
		e.logger.Warn("Task index out of range for snapshot", "index", index)
		return
	}

	task := &e.state.Tasks[index]
	task.Status = status
	task.Message = message

	now := models.Now()
	if status == models.TaskStatusRunning {
		task.StartTime = now
	} else {
		task.EndTime = now
	}

	if len(exported) > 0 {
		task.ExportedContext = exported
	}

	e.state.Metadata.LastUpdate = now
}

// saveState persists the snapshot. Persistence failures are warnings: the
// run carries on and only checkpoint granularity is lost.
func (e *Engine) saveState() {
	if e.stateManager == nil || e.state == nil {
		return
	}

	if err := e.stateManager.SaveState(e.state); err != nil {
		e.logger.Warn("Failed to persist workflow state", "error", err)
	}
}

func (e *Engine) restoreContext() {
	if len(e.state.WorkflowContext) > 0 {
		e.workflowCtx = e.state.WorkflowContext
		e.logger.Info("Restored exported variables", "tasks", len(e.workflowCtx))
	}
}

func (e *Engine) mergeExports(taskName string, vars map[string]any) {
	namespace, ok := e.workflowCtx[taskName]
	if !ok {
		namespace = map[string]any{}
		e.workflowCtx[taskName] = namespace
	}

	for key, value := range vars {
		namespace[key] = value
		e.logger.Debug("Exported variable", "task", taskName, "name", key)
	}

	e.logger.Info("Task exported variables", "task", taskName, "count", len(vars))
}

func (e *Engine) notify(spec models.TaskSpec, success bool, message string) {
	if e.deps == nil || e.deps.Notifier == nil {
		return
	}

	template := spec.Notification.Failure
	title := fmt.Sprintf("Task failed: %s", spec.Name)
	send := e.deps.Notifier.SendFailure

	if success {
		template = spec.Notification.Success
		title = fmt.Sprintf("Task succeeded: %s", spec.Name)
		send = e.deps.Notifier.SendSuccess
	}

	if template.Title != "" {
		title = template.Title
	}

	body := message
	if template.Message != "" {
		body = template.Message
	}

	title = substitutePlaceholders(title, spec.Name, message)
	body = substitutePlaceholders(body, spec.Name, message)

	if err := send(title, body); err != nil {
		e.logger.Error("Failed to send notification", "task", spec.Name, "error", err)
		return
	}

	e.logger.Info("Notification sent", "task", spec.Name, "title", title)
}

// substitutePlaceholders fills the notification template placeholders. They
// are literal markers, not text/template actions; configs spell them exactly
// as "{{ task_name }}".
func substitutePlaceholders(s, taskName, message string) string {
	s = strings.ReplaceAll(s, "{{ task_name }}", taskName)
	s = strings.ReplaceAll(s, "{{ message }}", message)
	s = strings.ReplaceAll(s, "{{ error_message }}", message)

	return s
}

func (e *Engine) logResumeInfo(startIndex int) {
	meta := e.state.Metadata

	completed := 0

	for _, task := range e.state.Tasks {
		if task.Status == models.TaskStatusSuccess {
			completed++
		}
	}

	resumeTask := ""
	if startIndex < len(e.state.Tasks) {
		resumeTask = e.state.Tasks[startIndex].Name
	}

	e.logger.Info("Resuming workflow run",
		"run_id", meta.RunID,
		"original_start", meta.StartTime.String(),
		"completed_tasks", completed,
		"resume_task", resumeTask)
}

func (e *Engine) logSummary() {
	succeeded := len(e.executedTasks) - len(e.failedTasks)
	if succeeded < 0 {
		succeeded = 0
	}

	e.logger.Info("Workflow run complete",
		"executed", len(e.executedTasks),
		"succeeded", succeeded,
		"failed", len(e.failedTasks),
		"skipped", len(e.skippedTasks))

	for _, failure := range e.failedTasks {
		e.logger.Error("Failed task", "task", failure.name, "message", failure.message)
	}
}

func checkUniqueNames(specs []models.TaskSpec) error {
	seen := make(map[string]struct{}, len(specs))

	for _, spec := range specs {
		if _, dup := seen[spec.Name]; dup {
			return &DuplicateTaskError{Name: spec.Name}
		}

		seen[spec.Name] = struct{}{}
	}

	return nil
}

// resumePoint returns the index of the first task that still needs work:
// pending never ran, running died mid-task, failed should be retried. When
// every task succeeded the run restarts from the first task.
func resumePoint(state *models.WorkflowState) int {
	for i, task := range state.Tasks {
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusFailed:
			return i
		case models.TaskStatusSuccess:
		}
	}

	return 0
}

func findTaskIndex(specs []models.TaskSpec, name string) int {
	for i, spec := range specs {
		if spec.Name == name {
			return i
		}
	}

	return -1
}

func taskNames(specs []models.TaskSpec) []string {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}

	return names
}
