// Package models defines the core domain models for sequential workflow execution.
package models

// StateVersion is the snapshot format version. Snapshots written with a
// different version are never resumed, even with --force.
const StateVersion = "1.0"

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusRunning     WorkflowStatus = "running"     // Run in progress
	WorkflowStatusSuccess     WorkflowStatus = "success"     // All executed tasks succeeded
	WorkflowStatusFailed      WorkflowStatus = "failed"      // At least one task failed
	WorkflowStatusInterrupted WorkflowStatus = "interrupted" // Run cancelled mid-flight
)

// Resumable reports whether a snapshot with this status is a candidate for
// resume. Successful runs restart from scratch instead.
func (s WorkflowStatus) Resumable() bool {
	return s == WorkflowStatusFailed || s == WorkflowStatusInterrupted
}

// Settings holds workflow-level execution settings.
type Settings struct {
	StopOnFirstError *bool `yaml:"stop_on_first_error" json:"stop_on_first_error,omitempty"`
}

// StopsOnFirstError reports the effective stop_on_first_error value (default true).
func (s Settings) StopsOnFirstError() bool {
	return s.StopOnFirstError == nil || *s.StopOnFirstError
}

// WorkflowContext holds the variables exported by completed tasks, namespaced
// by the exporting task's name. A task's namespace appears only after that
// task has reached success.
type WorkflowContext map[string]map[string]any

// Metadata identifies a snapshot and the configuration it was created from.
type Metadata struct {
	ConfigFile       string         `json:"config_file"`
	ConfigHash       string         `json:"config_hash"`
	RunID            string         `json:"run_id"`
	StartTime        Timestamp      `json:"start_time"`
	LastUpdate       Timestamp      `json:"last_update"`
	WorkflowStatus   WorkflowStatus `json:"workflow_status"`
	StopOnFirstError bool           `json:"stop_on_first_error"`
	TotalTasks       int            `json:"total_tasks"`
}

// WorkflowState is one on-disk snapshot of a workflow run. The tasks slice
// preserves configured order; it is the authority for resume decisions.
type WorkflowState struct {
	Version         string          `json:"version"`
	Metadata        Metadata        `json:"metadata"`
	Tasks           []TaskState     `json:"tasks"`
	WorkflowContext WorkflowContext `json:"workflow_context"`
}
