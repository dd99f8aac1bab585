package models

import "gopkg.in/yaml.v3"

// TaskStatus represents the lifecycle state of a single task within a run.
// Success and failed are terminal; a snapshot holding a running task means
// the process died mid-task and the task is the resume point.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// TaskSpec is one configured task entry. Engine-level fields are typed here;
// every other key of the task mapping passes through Options untouched for
// the task implementation to interpret.
type TaskSpec struct {
	Name            string           `yaml:"name"              json:"name"              validate:"required"`
	Type            string           `yaml:"type"              json:"type"`
	Enabled         *bool            `yaml:"enabled"           json:"enabled,omitempty"`
	FailOnError     *bool            `yaml:"fail_on_error"     json:"fail_on_error,omitempty"`
	NotifyOnSuccess bool             `yaml:"notify_on_success" json:"notify_on_success,omitempty"`
	NotifyOnFailure bool             `yaml:"notify_on_failure" json:"notify_on_failure,omitempty"`
	Notification    NotificationSpec `yaml:"notification"      json:"notification,omitempty"`
	Options         map[string]any   `yaml:"-"                 json:"options,omitempty"`
}

// specFields are the task mapping keys owned by the engine; everything else
// lands in Options.
var specFields = []string{
	"name", "type", "enabled", "fail_on_error",
	"notify_on_success", "notify_on_failure", "notification",
}

// UnmarshalYAML decodes the typed fields and collects the remaining keys of
// the task mapping into Options.
func (s *TaskSpec) UnmarshalYAML(node *yaml.Node) error {
	type plain TaskSpec

	if err := node.Decode((*plain)(s)); err != nil {
		return err
	}

	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	for _, field := range specFields {
		delete(raw, field)
	}

	if len(raw) > 0 {
		s.Options = raw
	}

	return nil
}

// IsEnabled reports the effective enabled value (default true).
func (s TaskSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// AbortsOnError reports the effective fail_on_error value (default true):
// whether this task's failure may stop the workflow.
func (s TaskSpec) AbortsOnError() bool {
	return s.FailOnError == nil || *s.FailOnError
}

// NotificationSpec carries the per-outcome notification templates of a task.
// Title and message support the {{ task_name }}, {{ message }} and
// {{ error_message }} placeholders.
type NotificationSpec struct {
	Success NotificationMessage `yaml:"success" json:"success,omitempty"`
	Failure NotificationMessage `yaml:"failure" json:"failure,omitempty"`
}

type NotificationMessage struct {
	Title   string `yaml:"title"   json:"title,omitempty"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// TaskState is the persisted execution record of one task within a snapshot.
type TaskState struct {
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Status          TaskStatus     `json:"status"`
	StartTime       Timestamp      `json:"start_time"`
	EndTime         Timestamp      `json:"end_time"`
	Message         string         `json:"message"`
	ExportedContext map[string]any `json:"exported_context"`
}
