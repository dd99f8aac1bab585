package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"

	"github.com/tomjamescn/yawe/pkg/workflow"
)

func exitCode(t *testing.T, err error) int {
	t.Helper()

	var coder cli.ExitCoder
	require.ErrorAs(t, err, &coder)

	return coder.ExitCode()
}

func TestExitError(t *testing.T) {
	t.Run("clean run", func(t *testing.T) {
		assert.NoError(t, exitError(0, nil))
	})

	t.Run("failure count becomes the exit code", func(t *testing.T) {
		assert.Equal(t, 3, exitCode(t, exitError(3, nil)))
	})

	t.Run("failure count is capped", func(t *testing.T) {
		assert.Equal(t, maxFailureExit, exitCode(t, exitError(100, nil)))
	})

	t.Run("interrupted", func(t *testing.T) {
		assert.Equal(t, exitInterrupted, exitCode(t, exitError(1, workflow.ErrInterrupted)))
	})

	t.Run("duplicate task names", func(t *testing.T) {
		err := exitError(0, &workflow.DuplicateTaskError{Name: "deploy"})
		assert.Equal(t, exitDuplicateNames, exitCode(t, err))
	})

	t.Run("start task not found", func(t *testing.T) {
		err := exitError(0, &workflow.TaskNotFoundError{Name: "deploy", Known: []string{"a", "b"}})
		assert.Equal(t, exitStartTaskNotFound, exitCode(t, err))
	})

	t.Run("other engine errors", func(t *testing.T) {
		assert.Equal(t, exitConfigError, exitCode(t, exitError(0, errors.New("boom"))))
	})
}
