package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInterrupted reports that the run stopped because its context was
// cancelled. The snapshot was marked interrupted so a later run can resume.
var ErrInterrupted = errors.New("workflow interrupted")

// DuplicateTaskError reports two tasks sharing one name. The engine refuses
// the whole workflow: nothing runs and nothing is persisted.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task name '%s': every task needs a unique name", e.Name)
}

// TaskNotFoundError reports a start task name that matches no configured
// task. Known carries the configured names for the error message.
type TaskNotFoundError struct {
	Name  string
	Known []string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task '%s' not found (configured tasks: %s)", e.Name, strings.Join(e.Known, ", "))
}
