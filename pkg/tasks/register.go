// Package tasks wires the builtin task implementations into a registry.
package tasks

import (
	"github.com/tomjamescn/yawe/pkg/registry"
	"github.com/tomjamescn/yawe/pkg/tasks/command"
	"github.com/tomjamescn/yawe/pkg/tasks/filecopy"
	"github.com/tomjamescn/yawe/pkg/tasks/notification"
)

// RegisterBuiltins registers every builtin task type.
func RegisterBuiltins(reg *registry.Registry) {
	reg.Register(command.NewTaskFactory())
	reg.Register(filecopy.NewTaskFactory())
	reg.Register(notification.NewTaskFactory())
}
