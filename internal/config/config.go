// internal/config/config.go
//
// This package handles configuration and the .loom directory structure.
// Every project supervised by Loom gets a .loom/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// LoomDir is the name of the directory we create in each project.
	LoomDir = ".loom"

	defaultBacklogFile     = "BACKLOG.md"
	defaultMaxConcurrent   = 3
	defaultTimeoutSeconds  = 900
	defaultPollIntervalMS  = 500
	defaultMaxContextBytes = 4000
)

const defaultProjectConfigYAML = `# loom project configuration
version: 1

# Path to the backlog file, relative to the project root.
backlog: BACKLOG.md

worker:
  # Command launched for each claimed work stream. The worker receives its
  # assignment through AGENT_ID / WORK_STREAM_ID environment variables.
  command: ""
  args: []
  timeout_seconds: 900

scheduler:
  max_concurrent: 3
  # Shell command used by completion verification. Empty skips the check.
  test_command: ""

bus:
  enabled: true
  host: 127.0.0.1
  port: 8732
`

// WorkerConfig describes how worker processes are launched and bounded.
type WorkerConfig struct {
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args,omitempty"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	MaxContextBytes int      `yaml:"max_context_bytes,omitempty"`
}

// SchedulerConfig captures scheduling preferences.
type SchedulerConfig struct {
	MaxConcurrent  int    `yaml:"max_concurrent"`
	TestCommand    string `yaml:"test_command,omitempty"`
	PollIntervalMS int    `yaml:"poll_interval_ms,omitempty"`
}

// BusConfig models the message-bus block of .loom/config.yaml.
type BusConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// ProjectConfig models .loom/config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version"`
	Backlog   string          `yaml:"backlog"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bus       BusConfig       `yaml:"bus"`
}

// Config holds the runtime configuration for Loom.
type Config struct {
	// ProjectDir is the directory where the user ran `loom` from.
	ProjectDir string

	// LoomProjectDir is ProjectDir/.loom.
	LoomProjectDir string

	Project ProjectConfig
}

// InitLoomDir creates the .loom directory structure in the given project
// directory.
//
// Structure created:
// .loom/
// ├── logs/    <- supervisor and worker logs
// └── state/   <- persisted state between runs
func InitLoomDir(projectDir string) error {
	loomDir := filepath.Join(projectDir, LoomDir)

	dirs := []string{
		filepath.Join(loomDir, "logs"),
		filepath.Join(loomDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(loomDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:     projectDir,
		LoomProjectDir: filepath.Join(projectDir, LoomDir),
		Project:        defaultProjectConfig(),
	}

	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.Project.applyEnvOverrides()
	cfg.Project.normalize()
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// BacklogPath returns the absolute path to the backlog file.
func (c *Config) BacklogPath() string {
	if filepath.IsAbs(c.Project.Backlog) {
		return filepath.Clean(c.Project.Backlog)
	}
	return filepath.Join(c.ProjectDir, c.Project.Backlog)
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.LoomProjectDir, "logs")
}

// StateDir returns the path to the state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.LoomProjectDir, "state")
}

// LogbookPath returns the path of the persisted event journal.
func (c *Config) LogbookPath() string {
	return filepath.Join(c.LogsDir(), "events.log")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.LoomProjectDir, "config.yaml")
}

// BusEnabled reports whether the in-process message bus should be started.
func (c *Config) BusEnabled() bool {
	if c.Project.Bus.Enabled == nil {
		return true
	}
	return *c.Project.Bus.Enabled
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Backlog: defaultBacklogFile,
		Worker: WorkerConfig{
			TimeoutSeconds:  defaultTimeoutSeconds,
			MaxContextBytes: defaultMaxContextBytes,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:  defaultMaxConcurrent,
			PollIntervalMS: defaultPollIntervalMS,
		},
	}
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("LOOM_BACKLOG")); value != "" {
		pc.Backlog = value
	}
	if value := strings.TrimSpace(os.Getenv("LOOM_WORKER_COMMAND")); value != "" {
		pc.Worker.Command = value
	}
	if value := strings.TrimSpace(os.Getenv("LOOM_TIMEOUT_SECONDS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			pc.Worker.TimeoutSeconds = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("LOOM_MAX_CONCURRENT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			pc.Scheduler.MaxConcurrent = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("LOOM_BUS_ENABLED")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			pc.Bus.Enabled = &parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("LOOM_BUS_HOST")); value != "" {
		pc.Bus.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("LOOM_BUS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			pc.Bus.Port = parsed
		}
	}
}

func (pc *ProjectConfig) normalize() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	pc.Backlog = strings.TrimSpace(pc.Backlog)
	if pc.Backlog == "" {
		pc.Backlog = defaultBacklogFile
	}
	pc.Worker.Command = strings.TrimSpace(pc.Worker.Command)
	if pc.Worker.TimeoutSeconds <= 0 {
		pc.Worker.TimeoutSeconds = defaultTimeoutSeconds
	}
	if pc.Worker.MaxContextBytes <= 0 {
		pc.Worker.MaxContextBytes = defaultMaxContextBytes
	}
	if pc.Scheduler.MaxConcurrent <= 0 {
		pc.Scheduler.MaxConcurrent = defaultMaxConcurrent
	}
	if pc.Scheduler.PollIntervalMS <= 0 {
		pc.Scheduler.PollIntervalMS = defaultPollIntervalMS
	}
	pc.Scheduler.TestCommand = strings.TrimSpace(pc.Scheduler.TestCommand)
	pc.Bus.Host = strings.TrimSpace(pc.Bus.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Bus.Port < 0 || pc.Bus.Port > 65535 {
		return fmt.Errorf("bus.port %d is out of range", pc.Bus.Port)
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}
