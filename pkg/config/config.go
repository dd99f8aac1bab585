// Package config loads and validates the YAML workflow configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tomjamescn/yawe/pkg/models"
)

// Defaults applied to omitted configuration values.
const (
	DefaultLogDir          = "logs"
	DefaultLogName         = "workflow"
	DefaultLogLevel        = "info"
	DefaultNotifierTimeout = 10
	DefaultCommandTimeout  = 3600
	DefaultLocalShell      = "/bin/sh"
	DefaultTransferTimeout = 1800
	DefaultRemoteTempDir   = "/tmp"
	DefaultSSHPort         = 22
)

// Config is the root of the configuration file.
type Config struct {
	Logger   LoggerConfig    `yaml:"logger"`
	Notifier NotifierConfig  `yaml:"notifier"`
	Tasks    TaskDefaults    `yaml:"tasks"`
	Hosts    map[string]Host `yaml:"hosts"    validate:"dive"`
	Workflow Workflow        `yaml:"workflow"`

	// Path is the file this configuration was loaded from. State snapshots
	// fingerprint this file to detect drift between runs.
	Path string `yaml:"-"`
}

type LoggerConfig struct {
	LogDir  string `yaml:"log_dir"`
	LogName string `yaml:"log_name"`
	Level   string `yaml:"level"`
}

type NotifierConfig struct {
	APIURL    string `yaml:"api_url" validate:"omitempty,url"`
	Timeout   int    `yaml:"timeout" validate:"min=0"`
	VerifySSL *bool  `yaml:"verify_ssl"`
}

// Enabled reports whether a notification endpoint is configured.
func (n NotifierConfig) Enabled() bool {
	return n.APIURL != ""
}

// VerifiesSSL reports the effective verify_ssl value (default true).
func (n NotifierConfig) VerifiesSSL() bool {
	return n.VerifySSL == nil || *n.VerifySSL
}

// TaskDefaults carries the global fallbacks task implementations consult when
// a task entry does not override them.
type TaskDefaults struct {
	CommandTimeout int            `yaml:"command_timeout" validate:"min=0"`
	LocalShell     string         `yaml:"local_shell"`
	Transfer       TransferConfig `yaml:"transfer"`
}

// CommandTimeoutDuration returns the global command timeout.
func (t TaskDefaults) CommandTimeoutDuration() time.Duration {
	return time.Duration(t.CommandTimeout) * time.Second
}

type TransferConfig struct {
	Timeout       int    `yaml:"timeout" validate:"min=0"`
	PreserveTimes *bool  `yaml:"preserve_times"`
	RemoteTempDir string `yaml:"remote_temp_dir"`
}

// PreservesTimes reports the effective preserve_times value (default true).
func (t TransferConfig) PreservesTimes() bool {
	return t.PreserveTimes == nil || *t.PreserveTimes
}

// TimeoutDuration returns the transfer timeout.
func (t TransferConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// Host describes one SSH endpoint tasks may target by alias.
type Host struct {
	Addr               string `yaml:"addr"                 validate:"required"`
	Port               int    `yaml:"port"                 validate:"min=0,max=65535"`
	User               string `yaml:"user"                 validate:"required"`
	Password           string `yaml:"password"`
	KeyFile            string `yaml:"key_file"`
	KnownHostsFile     string `yaml:"known_hosts_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Workflow is the task list plus workflow-level settings.
type Workflow struct {
	Settings models.Settings   `yaml:"settings"`
	Tasks    []models.TaskSpec `yaml:"tasks"`
}

// Load reads, decodes and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{Path: path}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	if err := validateWorkflowSchema(data); err != nil {
		return nil, fmt.Errorf("invalid workflow section in %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logger.LogDir == "" {
		c.Logger.LogDir = DefaultLogDir
	}

	if c.Logger.LogName == "" {
		c.Logger.LogName = DefaultLogName
	}

	if c.Logger.Level == "" {
		c.Logger.Level = DefaultLogLevel
	}

	if c.Notifier.Timeout == 0 {
		c.Notifier.Timeout = DefaultNotifierTimeout
	}

	if c.Tasks.CommandTimeout == 0 {
		c.Tasks.CommandTimeout = DefaultCommandTimeout
	}

	if c.Tasks.LocalShell == "" {
		c.Tasks.LocalShell = DefaultLocalShell
	}

	if c.Tasks.Transfer.Timeout == 0 {
		c.Tasks.Transfer.Timeout = DefaultTransferTimeout
	}

	if c.Tasks.Transfer.RemoteTempDir == "" {
		c.Tasks.Transfer.RemoteTempDir = DefaultRemoteTempDir
	}

	for alias, host := range c.Hosts {
		if host.Port == 0 {
			host.Port = DefaultSSHPort
			c.Hosts[alias] = host
		}
	}
}
