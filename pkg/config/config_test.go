package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
workflow:
  tasks:
    - name: hello
      type: command
      command: echo hello
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogDir, cfg.Logger.LogDir)
	assert.Equal(t, DefaultLogName, cfg.Logger.LogName)
	assert.Equal(t, DefaultLogLevel, cfg.Logger.Level)
	assert.Equal(t, DefaultCommandTimeout, cfg.Tasks.CommandTimeout)
	assert.Equal(t, DefaultLocalShell, cfg.Tasks.LocalShell)
	assert.Equal(t, DefaultTransferTimeout, cfg.Tasks.Transfer.Timeout)
	assert.Equal(t, DefaultRemoteTempDir, cfg.Tasks.Transfer.RemoteTempDir)
	assert.True(t, cfg.Tasks.Transfer.PreservesTimes())
	assert.False(t, cfg.Notifier.Enabled())
	assert.True(t, cfg.Workflow.Settings.StopsOnFirstError())
	assert.Equal(t, path, cfg.Path)

	require.Len(t, cfg.Workflow.Tasks, 1)
	assert.Equal(t, "hello", cfg.Workflow.Tasks[0].Name)
	assert.Equal(t, "echo hello", cfg.Workflow.Tasks[0].Options["command"])
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
logger:
  log_dir: /var/log/yawe
  level: debug
notifier:
  api_url: https://ntfy.example.com/workflows
  timeout: 5
  verify_ssl: false
tasks:
  command_timeout: 120
  local_shell: /bin/bash
  transfer:
    timeout: 300
    preserve_times: false
    remote_temp_dir: /var/tmp
hosts:
  db01:
    addr: db01.internal
    user: deploy
    key_file: /home/deploy/.ssh/id_ed25519
  web01:
    addr: 10.0.0.7
    port: 2222
    user: deploy
    password: hunter2
    insecure_skip_verify: true
workflow:
  settings:
    stop_on_first_error: false
  tasks:
    - name: dump
      type: command
      executor: ssh
      host: db01
      command: pg_dump mydb > /tmp/mydb.sql
    - name: fetch
      type: file_copy
      direction: remote_to_local
      host: db01
      items:
        - remote: /tmp/mydb.sql
          local: ./backups/
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/log/yawe", cfg.Logger.LogDir)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Notifier.Enabled())
	assert.False(t, cfg.Notifier.VerifiesSSL())
	assert.Equal(t, 120, cfg.Tasks.CommandTimeout)
	assert.False(t, cfg.Tasks.Transfer.PreservesTimes())

	require.Contains(t, cfg.Hosts, "db01")
	assert.Equal(t, DefaultSSHPort, cfg.Hosts["db01"].Port)
	assert.Equal(t, 2222, cfg.Hosts["web01"].Port)
	assert.True(t, cfg.Hosts["web01"].InsecureSkipVerify)

	assert.False(t, cfg.Workflow.Settings.StopsOnFirstError())
	require.Len(t, cfg.Workflow.Tasks, 2)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unparsable yaml",
			content: "workflow: [unclosed",
			wantErr: "failed to parse",
		},
		{
			name: "host missing addr",
			content: `
hosts:
  broken:
    user: deploy
workflow:
  tasks:
    - name: t
      type: command
`,
			wantErr: "invalid configuration",
		},
		{
			name: "task missing name",
			content: `
workflow:
  tasks:
    - type: command
      command: echo hi
`,
			wantErr: "invalid workflow section",
		},
		{
			name: "task name wrong type",
			content: `
workflow:
  tasks:
    - name: [not, a, string]
      type: command
`,
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

// A task entry without a type tag must load; the engine turns it into a
// runtime task failure rather than a configuration error.
func TestLoadAllowsMissingTaskType(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
workflow:
  tasks:
    - name: typeless
      command: echo hi
`))
	require.NoError(t, err)
	require.Len(t, cfg.Workflow.Tasks, 1)
	assert.Empty(t, cfg.Workflow.Tasks[0].Type)
}
