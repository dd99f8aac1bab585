package filecopy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomjamescn/yawe/pkg/config"
	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
	"github.com/tomjamescn/yawe/pkg/remote"
	"github.com/tomjamescn/yawe/pkg/transfer"
)

func testDeps(hosts map[string]config.Host) *protocol.Dependencies {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps := &protocol.Dependencies{
		Logger: logger,
		Config: &config.Config{
			Tasks: config.TaskDefaults{
				Transfer: config.TransferConfig{
					Timeout:       config.DefaultTransferTimeout,
					RemoteTempDir: config.DefaultRemoteTempDir,
				},
			},
			Hosts: hosts,
		},
	}

	if hosts != nil {
		dialer := remote.NewDialer(hosts, logger)
		deps.Remote = dialer
		deps.Transfer = transfer.NewService(dialer, logger)
	}

	return deps
}

func newTask(deps *protocol.Dependencies, options map[string]any) *Task {
	return NewTask(
		models.TaskSpec{Name: "fetch", Type: "file_copy", Options: options},
		deps,
		models.WorkflowContext{},
	)
}

func validItems() []any {
	return []any{
		map[string]any{"remote": "/var/log/app.log", "local": "/tmp/app.log"},
	}
}

func TestExecuteRequiresHost(t *testing.T) {
	task := newTask(testDeps(nil), map[string]any{"items": validItems()})

	ok, message := task.Execute(context.Background())

	assert.False(t, ok)
	assert.Equal(t, "file copy task 'fetch' needs a host", message)
}

func TestExecuteRequiresTransferService(t *testing.T) {
	task := newTask(testDeps(nil), map[string]any{
		"host":  "web",
		"items": validItems(),
	})

	ok, message := task.Execute(context.Background())

	assert.False(t, ok)
	assert.Equal(t, "file copy task 'fetch' needs configured hosts", message)
}

func TestExecuteRequiresItems(t *testing.T) {
	deps := testDeps(map[string]config.Host{})

	task := newTask(deps, map[string]any{"host": "web"})

	ok, message := task.Execute(context.Background())

	assert.False(t, ok)
	assert.Equal(t, "file copy task 'fetch' has no transfer items configured", message)
}

func TestExecuteRejectsUnknownDirection(t *testing.T) {
	deps := testDeps(map[string]config.Host{})

	task := newTask(deps, map[string]any{
		"host":      "web",
		"direction": "sideways",
		"items":     validItems(),
	})

	ok, message := task.Execute(context.Background())

	assert.False(t, ok)
	assert.Equal(t, "unknown direction 'sideways' (want remote_to_local or local_to_remote)", message)
}

func TestExecuteReportsUnknownHost(t *testing.T) {
	deps := testDeps(map[string]config.Host{})

	task := newTask(deps, map[string]any{
		"host":  "web",
		"items": validItems(),
	})

	ok, message := task.Execute(context.Background())

	assert.False(t, ok)
	assert.Contains(t, message, "host 'web' not configured")
}

func TestParseItems(t *testing.T) {
	deps := testDeps(nil)

	t.Run("aliases and flags", func(t *testing.T) {
		task := newTask(deps, map[string]any{
			"items": []any{
				map[string]any{
					"remote_path": "/srv/data",
					"local_path":  "/backup/data",
					"recursive":   true,
					"exclude":     []any{"*.tmp", ".git"},
				},
			},
		})

		items, err := task.parseItems()

		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, transfer.Item{
			Remote:    "/srv/data",
			Local:     "/backup/data",
			Recursive: true,
			Exclude:   []string{"*.tmp", ".git"},
		}, items[0])
	})

	t.Run("templated paths", func(t *testing.T) {
		task := NewTask(models.TaskSpec{
			Name: "fetch",
			Type: "file_copy",
			Options: map[string]any{
				"items": []any{
					map[string]any{
						"remote": "{{ .backup.archive_path }}",
						"local":  "/restore/{{ .env }}/dump.tar.gz",
					},
				},
				"params": map[string]any{"env": "staging"},
			},
		}, deps, models.WorkflowContext{
			"backup": {"archive_path": "/tmp/db_transfer_ab12cd34.tar.gz"},
		})

		items, err := task.parseItems()

		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "/tmp/db_transfer_ab12cd34.tar.gz", items[0].Remote)
		assert.Equal(t, "/restore/staging/dump.tar.gz", items[0].Local)
	})

	t.Run("unknown template variable", func(t *testing.T) {
		task := newTask(deps, map[string]any{
			"items": []any{
				map[string]any{"remote": "{{ .missing }}", "local": "/tmp/x"},
			},
		})

		_, err := task.parseItems()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to render remote path of item 1")
	})

	t.Run("not a mapping", func(t *testing.T) {
		task := newTask(deps, map[string]any{
			"items": []any{"just a string"},
		})

		_, err := task.parseItems()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "transfer item 1 is not a mapping")
	})

	t.Run("missing paths", func(t *testing.T) {
		task := newTask(deps, map[string]any{
			"items": []any{
				map[string]any{"remote": "/var/log/app.log"},
			},
		})

		_, err := task.parseItems()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "transfer item 1 needs both remote and local paths")
	})
}

func TestTransferOptions(t *testing.T) {
	deps := testDeps(nil)

	t.Run("defaults from config", func(t *testing.T) {
		task := newTask(deps, map[string]any{})

		opts := task.transferOptions()

		assert.True(t, opts.PreserveTimes)
		assert.False(t, opts.PreCompress)
		assert.True(t, opts.Decompress)
		assert.Equal(t, time.Duration(config.DefaultTransferTimeout)*time.Second, opts.Timeout)
		assert.Equal(t, config.DefaultRemoteTempDir, opts.RemoteTempDir)
	})

	t.Run("task overrides", func(t *testing.T) {
		task := newTask(deps, map[string]any{
			"preserve_times":  false,
			"pre_compress":    true,
			"decompress":      false,
			"timeout":         60,
			"remote_temp_dir": "/var/tmp",
		})

		opts := task.transferOptions()

		assert.False(t, opts.PreserveTimes)
		assert.True(t, opts.PreCompress)
		assert.False(t, opts.Decompress)
		assert.Equal(t, time.Minute, opts.Timeout)
		assert.Equal(t, "/var/tmp", opts.RemoteTempDir)
	})
}

func TestExportContext(t *testing.T) {
	t.Run("nil before a successful run", func(t *testing.T) {
		task := newTask(testDeps(nil), map[string]any{})

		exports, err := task.ExportContext()

		require.NoError(t, err)
		assert.Nil(t, exports)
	})

	t.Run("publishes the transfer outcome", func(t *testing.T) {
		task := newTask(testDeps(nil), map[string]any{})
		task.direction = directionDownload
		task.host = "web"
		task.result = &transfer.Result{
			Host: "web",
			Items: []transfer.ItemResult{
				{Files: 3, Bytes: 1024},
				{
					Files: 1, Bytes: 2048,
					PreCompress: true,
					ArchiveName: "data_transfer_ab12cd34.tar.gz",
					ArchivePath: "/tmp/data_transfer_ab12cd34.tar.gz",
				},
			},
			Duration: 1530 * time.Millisecond,
		}

		exports, err := task.ExportContext()

		require.NoError(t, err)
		assert.Equal(t, directionDownload, exports["direction"])
		assert.Equal(t, "web", exports["host"])
		assert.Equal(t, 2, exports["items_count"])
		assert.Equal(t, 4, exports["files_copied"])
		assert.Equal(t, int64(3072), exports["bytes_copied"])
		assert.Equal(t, 1.53, exports["total_time"])
		assert.Equal(t, "data_transfer_ab12cd34.tar.gz", exports["archive_name"])
		assert.Equal(t, "/tmp/data_transfer_ab12cd34.tar.gz", exports["archive_path"])
	})
}

func TestFactory(t *testing.T) {
	factory := NewTaskFactory()

	assert.Equal(t, "file_copy", factory.ID())

	_, err := factory.Create(models.TaskSpec{Name: "fetch"}, nil, nil)
	require.Error(t, err)

	task, err := factory.Create(models.TaskSpec{Name: "fetch"}, testDeps(nil), models.WorkflowContext{})
	require.NoError(t, err)
	assert.IsType(t, &Task{}, task)
}
