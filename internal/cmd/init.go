package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/laneway/internal/config"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/worktree"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize laneway in the current repository",
	Long: `Initialize laneway in the current git repository.
This creates the .laneway directory for engine state and worktrees, writes a
starter config file with example lanes, and tells git to ignore the state
directory.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// starterConfig is written by init. The lanes are examples to edit.
const starterConfig = `# laneway configuration

# Each lane gives one agent role the paths it may write. Paths are directory
# prefixes or globs; two lanes may not claim overlapping paths.
lanes:
  - role: api
    paths: [api/]
  - role: ui
    paths: [ui/]

# Shared paths may be written by every agent. Edits from several agents are
# reconciled during integration and may need a human.
shared:
  - go.mod
  - go.sum

branch:
  # Agent branches are <prefix>/<task>/<role>
  prefix: laneway
  # Only final approval updates this branch
  protected: main

supervisor:
  poll_interval: 5s
  # An agent whose progress file has not changed for this long is restarted
  stale_timeout: 10m
  # Spawns per subtask, the first included
  max_attempts: 3
  # Verification failures tolerated before the task escalates
  max_test_retries: 2

worker:
  command: claude
  args: []
  pass_instructions: true

verify:
  # Run in the integration worktree before review; empty skips verification
  command: ""
  timeout: 15m

logging:
  enabled: true
  level: info

telemetry:
  enabled: false
  exporter: stdout

archive:
  enabled: true
  path: archive.db
`

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	// Find the git repository root (may be in a parent directory)
	repoRoot, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return fmt.Errorf("not a git repository (or any parent up to mount point)")
	}
	out := cmd.OutOrStdout()

	configFile := repoConfigFile(repoRoot)
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(configFile, []byte(starterConfig), 0644); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		_, _ = fmt.Fprintf(out, "Created config file at %s\n", configFile)
		_, _ = fmt.Fprintln(out, "Edit the lanes to match your repository before running the engine.")
	} else {
		_, _ = fmt.Fprintf(out, "Using existing config file %s\n", configFile)
	}

	cfg := config.Default()
	if c, err := config.Load(); err == nil {
		cfg = c
	}
	env := &environment{
		repoRoot:    repoRoot,
		cfg:         cfg,
		stateDir:    cfg.Paths.ResolveStateDir(repoRoot),
		worktreeDir: cfg.Paths.ResolveWorktreeDir(repoRoot),
	}
	if _, err := store.NewOS(env.stateDir); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	git, err := worktree.New(repoRoot)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	for _, pattern := range env.excludePatterns() {
		if err := git.ExcludePath(pattern); err != nil {
			return fmt.Errorf("failed to exclude %s from git: %w", pattern, err)
		}
	}

	_, _ = fmt.Fprintln(out, "laneway initialized successfully!")
	_, _ = fmt.Fprintf(out, "State directory: %s\n", env.stateDir)
	return nil
}
