// Package filecopy moves files between the local machine and an SSH host
// through the transfer service.
package filecopy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tomjamescn/yawe/pkg/models"
	"github.com/tomjamescn/yawe/pkg/protocol"
	"github.com/tomjamescn/yawe/pkg/template"
	"github.com/tomjamescn/yawe/pkg/transfer"
)

const (
	directionDownload = "remote_to_local"
	directionUpload   = "local_to_remote"
)

// Task executes one configured file copy.
type Task struct {
	name        string
	opts        protocol.Options
	deps        *protocol.Dependencies
	workflowCtx models.WorkflowContext
	logger      *slog.Logger

	direction string
	host      string
	result    *transfer.Result
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
		logger:      logger.With("task", spec.Name, "task_type", "file_copy"),
	}
}

func (t *Task) Execute(ctx context.Context) (bool, string) {
	host := t.opts.String("host", "")
	if host == "" {
		return false, fmt.Sprintf("file copy task '%s' needs a host", t.name)
	}

	if t.deps.Transfer == nil {
		return false, fmt.Sprintf("file copy task '%s' needs configured hosts", t.name)
	}

	items, err := t.parseItems()
	if err != nil {
		return false, err.Error()
	}

	direction := t.opts.String("direction", directionDownload)
	opts := t.transferOptions()

	t.logger.Info("Starting transfer",
		"direction", direction, "host", host,
		"items", len(items), "pre_compress", opts.PreCompress)

	var result *transfer.Result

	switch direction {
	case directionDownload:
		result, err = t.deps.Transfer.Download(ctx, host, items, opts)
	case directionUpload:
		result, err = t.deps.Transfer.Upload(ctx, host, items, opts)
	default:
		return false, fmt.Sprintf("unknown direction '%s' (want remote_to_local or local_to_remote)", direction)
	}

	if err != nil {
		return false, err.Error()
	}

	t.direction = direction
	t.host = host
	t.result = result

	return true, fmt.Sprintf("transferred %d files (%d bytes)", result.TotalFiles(), result.TotalBytes())
}

// ExportContext publishes the transfer outcome for downstream tasks.
func (t *Task) ExportContext() (map[string]any, error) {
	if t.result == nil {
		return nil, nil
	}

	exports := map[string]any{
		"direction":    t.direction,
		"host":         t.host,
		"items_count":  len(t.result.Items),
		"files_copied": t.result.TotalFiles(),
		"bytes_copied": t.result.TotalBytes(),
		"total_time":   math.Round(t.result.Duration.Seconds()*100) / 100,
	}

	for _, item := range t.result.Items {
		if item.PreCompress {
			exports["archive_name"] = item.ArchiveName
			if item.ArchivePath != "" {
				exports["archive_path"] = item.ArchivePath
			}

			break
		}
	}

	return exports, nil
}

// parseItems decodes the items option. Paths accept templates so one task can
// pick up artifacts exported by an earlier one.
func (t *Task) parseItems() ([]transfer.Item, error) {
	entries := t.opts.Slice("items")
	if len(entries) == 0 {
		return nil, fmt.Errorf("file copy task '%s' has no transfer items configured", t.name)
	}

	vars := template.RenderVars(t.workflowCtx, t.opts.Params())
	items := make([]transfer.Item, 0, len(entries))

	for i, entry := range entries {
		raw, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transfer item %d is not a mapping", i+1)
		}

		opts := protocol.Options(raw)

		remotePath := opts.String("remote", opts.String("remote_path", ""))
		localPath := opts.String("local", opts.String("local_path", ""))

		if remotePath == "" || localPath == "" {
			return nil, fmt.Errorf("transfer item %d needs both remote and local paths", i+1)
		}

		remotePath, err := template.Render(remotePath, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render remote path of item %d: %w", i+1, err)
		}

		localPath, err = template.Render(localPath, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render local path of item %d: %w", i+1, err)
		}

		items = append(items, transfer.Item{
			Remote:    remotePath,
			Local:     localPath,
			Recursive: opts.Bool("recursive", false),
			Exclude:   opts.StringSlice("exclude"),
		})
	}

	return items, nil
}

func (t *Task) transferOptions() transfer.Options {
	defaults := t.deps.Config.Tasks.Transfer

	timeout := defaults.TimeoutDuration()
	if seconds := t.opts.Int("timeout", 0); seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return transfer.Options{
		PreserveTimes: t.opts.Bool("preserve_times", defaults.PreservesTimes()),
		PreCompress:   t.opts.Bool("pre_compress", false),
		Decompress:    t.opts.Bool("decompress", true),
		Timeout:       timeout,
		RemoteTempDir: t.opts.String("remote_temp_dir", defaults.RemoteTempDir),
	}
}
