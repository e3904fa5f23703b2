package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the complete laneway configuration
type Config struct {
	Lanes      []LaneConfig     `mapstructure:"lanes"`
	Shared     []string         `mapstructure:"shared"`
	Branch     BranchConfig     `mapstructure:"branch"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Verify     VerifyConfig     `mapstructure:"verify"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

// LaneConfig maps an agent role to the directory prefixes (or globs) it may write.
type LaneConfig struct {
	Role  string   `mapstructure:"role"`
	Paths []string `mapstructure:"paths"`
}

// BranchConfig controls branch naming and the branch final approval updates.
type BranchConfig struct {
	// Prefix is the branch name prefix for agent and integration branches
	// (default: "laneway"). Agent branches are <prefix>/<task>/<role>.
	Prefix string `mapstructure:"prefix"`
	// Protected is the branch that only final approval may update (default: "main").
	Protected string `mapstructure:"protected"`
}

// SupervisorConfig controls agent polling, staleness and retry bounds.
type SupervisorConfig struct {
	// PollInterval is how often the run loop performs a scheduling pass (default: 5s)
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// StaleTimeout is how long a progress timestamp may stand still before
	// the agent is considered stale (default: 10m)
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
	// MaxAttempts bounds spawns per subtask, including the first (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// MaxTestRetries bounds verification-gate failures per task (default: 2)
	MaxTestRetries int `mapstructure:"max_test_retries"`
}

// WorkerConfig describes the agent process launched for each subtask.
type WorkerConfig struct {
	// Command is the executable to run inside the agent workspace (default: "claude")
	Command string `mapstructure:"command"`
	// Args are passed before the instruction payload
	Args []string `mapstructure:"args"`
	// Env holds extra KEY=VALUE pairs added to the worker environment
	Env []string `mapstructure:"env"`
	// PassInstructions appends the instruction text as the final argument (default: true).
	// The text is always written to <workspace>/.laneway/instructions.md as well.
	PassInstructions bool `mapstructure:"pass_instructions"`
}

// VerifyConfig controls the verification gate run on the integration branch.
type VerifyConfig struct {
	// Command is run through "sh -c" in the integration worktree. Empty skips the gate.
	Command string `mapstructure:"command"`
	// Timeout bounds a single verification run (default: 15m)
	Timeout time.Duration `mapstructure:"timeout"`
}

// PathsConfig controls where laneway stores state and worktrees
type PathsConfig struct {
	// StateDir holds records, signals, conflict reports and logs.
	// If empty, defaults to ".laneway" relative to the repository root.
	StateDir string `mapstructure:"state_dir"`
	// WorktreeDir is the directory where agent and integration worktrees are created.
	// If empty, defaults to "<state_dir>/worktrees". Supports ~ expansion.
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// LoggingConfig controls the engine log
type LoggingConfig struct {
	// Enabled controls whether the engine log file is written (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// TelemetryConfig controls OpenTelemetry metrics and spans.
type TelemetryConfig struct {
	// Enabled installs real providers; otherwise no-op providers are used (default: false)
	Enabled bool `mapstructure:"enabled"`
	// Exporter is "stdout" or "none" (default: "stdout")
	Exporter string `mapstructure:"exporter"`
	// ServiceName is attached to every span and metric (default: "laneway")
	ServiceName string `mapstructure:"service_name"`
}

// ArchiveConfig controls the SQLite archive of finished tasks.
type ArchiveConfig struct {
	// Enabled records terminal tasks in the archive (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Path of the database file; relative paths resolve against state_dir
	// (default: "archive.db")
	Path string `mapstructure:"path"`
}

// ResolveStateDir returns the absolute state directory for a repository root.
func (p *PathsConfig) ResolveStateDir(repoRoot string) string {
	if p.StateDir == "" {
		return filepath.Join(repoRoot, ".laneway")
	}
	return resolvePath(p.StateDir, repoRoot)
}

// ResolveWorktreeDir returns the worktree directory. Relative paths resolve
// against repoRoot; an empty value nests worktrees under the state directory.
func (p *PathsConfig) ResolveWorktreeDir(repoRoot string) string {
	if p.WorktreeDir == "" {
		return filepath.Join(p.ResolveStateDir(repoRoot), "worktrees")
	}
	return resolvePath(p.WorktreeDir, repoRoot)
}

// ResolvePath returns the archive database path for the given state directory.
func (a *ArchiveConfig) ResolvePath(stateDir string) string {
	if a.Path == "" {
		return filepath.Join(stateDir, "archive.db")
	}
	return resolvePath(a.Path, stateDir)
}

func resolvePath(path, base string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Lanes:  []LaneConfig{},
		Shared: []string{},
		Branch: BranchConfig{
			Prefix:    "laneway",
			Protected: "main",
		},
		Supervisor: SupervisorConfig{
			PollInterval:   5 * time.Second,
			StaleTimeout:   10 * time.Minute,
			MaxAttempts:    3,
			MaxTestRetries: 2,
		},
		Worker: WorkerConfig{
			Command:          "claude",
			Args:             []string{},
			Env:              []string{},
			PassInstructions: true,
		},
		Verify: VerifyConfig{
			Command: "",
			Timeout: 15 * time.Minute,
		},
		Paths: PathsConfig{
			StateDir:    "", // .laneway
			WorktreeDir: "", // <state_dir>/worktrees
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "laneway",
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "archive.db",
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("lanes", defaults.Lanes)
	v.SetDefault("shared", defaults.Shared)

	// Branch defaults
	v.SetDefault("branch.prefix", defaults.Branch.Prefix)
	v.SetDefault("branch.protected", defaults.Branch.Protected)

	// Supervisor defaults
	v.SetDefault("supervisor.poll_interval", defaults.Supervisor.PollInterval)
	v.SetDefault("supervisor.stale_timeout", defaults.Supervisor.StaleTimeout)
	v.SetDefault("supervisor.max_attempts", defaults.Supervisor.MaxAttempts)
	v.SetDefault("supervisor.max_test_retries", defaults.Supervisor.MaxTestRetries)

	// Worker defaults
	v.SetDefault("worker.command", defaults.Worker.Command)
	v.SetDefault("worker.args", defaults.Worker.Args)
	v.SetDefault("worker.env", defaults.Worker.Env)
	v.SetDefault("worker.pass_instructions", defaults.Worker.PassInstructions)

	// Verify defaults
	v.SetDefault("verify.command", defaults.Verify.Command)
	v.SetDefault("verify.timeout", defaults.Verify.Timeout)

	// Paths defaults
	v.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	v.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	v.SetDefault("telemetry.exporter", defaults.Telemetry.Exporter)
	v.SetDefault("telemetry.service_name", defaults.Telemetry.ServiceName)

	// Archive defaults
	v.SetDefault("archive.enabled", defaults.Archive.Enabled)
	v.SetDefault("archive.path", defaults.Archive.Path)
}

// decodeHook lets durations be written as "30s" and string lists as "a,b".
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads the configuration from the global viper instance and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v into a Config struct and validates it
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "laneway")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".laneway"
	}
	return filepath.Join(home, ".config", "laneway")
}

// ConfigFile returns the path to the user-level config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
