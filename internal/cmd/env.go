package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/laneway/internal/config"
	"github.com/Iron-Ham/laneway/internal/lane"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/worktree"
)

// environment is what every command needs to find the engine's records.
type environment struct {
	repoRoot    string
	cfg         *config.Config
	stateDir    string
	worktreeDir string
	store       *store.Store
}

// loadEnvironment locates the repository from the working directory and
// loads the configuration read by initConfig.
func loadEnvironment() (*environment, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	repoRoot, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return nil, fmt.Errorf("laneway must be run inside a git repository: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	stateDir := cfg.Paths.ResolveStateDir(repoRoot)
	st, err := store.NewOS(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state directory: %w", err)
	}

	return &environment{
		repoRoot:    repoRoot,
		cfg:         cfg,
		stateDir:    stateDir,
		worktreeDir: cfg.Paths.ResolveWorktreeDir(repoRoot),
		store:       st,
	}, nil
}

// excludePatterns lists the engine directories inside the repository that
// git must ignore. Directories outside the repository need no entry.
func (e *environment) excludePatterns() []string {
	var patterns []string
	for _, dir := range []string{e.stateDir, e.worktreeDir} {
		rel, err := filepath.Rel(e.repoRoot, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		pattern := "/" + filepath.ToSlash(rel) + "/"
		if len(patterns) > 0 && strings.HasPrefix(pattern, patterns[0]) {
			continue
		}
		patterns = append(patterns, pattern)
	}
	return patterns
}

// newLaneResolver builds the lane resolver from the configured lanes.
func newLaneResolver(cfg *config.Config) (*lane.Resolver, error) {
	a := lane.Assignment{Shared: cfg.Shared}
	for _, l := range cfg.Lanes {
		a.Lanes = append(a.Lanes, lane.Lane{Role: l.Role, Paths: l.Paths})
	}
	return lane.New(a)
}
