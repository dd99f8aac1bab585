package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
)

type stubTask struct{}

func (stubTask) Execute(_ context.Context) (bool, string) { return true, "ok" }
func (stubTask) ExportContext() (map[string]any, error) { return nil, nil }

type stubFactory struct {
	id string
}

func (f stubFactory) ID() string { return f.id }

func (f stubFactory) Create(_ models.TaskSpec, _ *protocol.Dependencies, _ models.WorkflowContext) (protocol.Task, error) {
	return stubTask{}, nil
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(stubFactory{id: "command"})
	r.Register(stubFactory{id: "file_copy"})

	task, err := r.Create("command", models.TaskSpec{Name: "t"}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, task)
}

func TestRegistryCreateUnknownType(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(stubFactory{id: "command"})

	_, err := r.Create("teleport", models.TaskSpec{Name: "t"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegistryTypesSorted(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(stubFactory{id: "notification"})
	r.Register(stubFactory{id: "command"})
	r.Register(stubFactory{id: "file_copy"})

	assert.Equal(t, []string{"command", "file_copy", "notification"}, r.Types())
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Register(stubFactory{id: "command"})
	r.Register(stubFactory{id: "command"})

	assert.Equal(t, []string{"command"}, r.Types())
}
