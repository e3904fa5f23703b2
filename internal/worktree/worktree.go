package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/laneway/internal/errors"
)

// Manager runs git operations for one repository.
type Manager struct {
	repoDir  string
	executor CommandExecutor
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			// .git can be a directory (normal repo) or a file (worktree)
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.ErrNotGitRepository
		}
		dir = parent
	}
}

// New creates a Manager for the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNotGitRepository, "%s", repoDir)
	}
	return &Manager{repoDir: gitRoot, executor: NewCLICommandExecutor()}, nil
}

// NewWithExecutor creates a Manager with a custom executor. The repository
// root is taken as given.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Manager {
	return &Manager{repoDir: repoDir, executor: executor}
}

// RepoDir returns the repository root.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// -----------------------------------------------------------------------------
// Workspaces
// -----------------------------------------------------------------------------

// CreateWorkspace adds a worktree at path on a new branch started at base.
func (m *Manager) CreateWorkspace(path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewGitError("failed to create workspace parent", err).WithWorktree(path)
	}
	output, err := m.git(m.repoDir, "worktree", "add", "-b", branch, path, base)
	if err != nil {
		return gitFailure("failed to create workspace", err, output).
			WithBranch(branch).
			WithWorktree(path)
	}
	return nil
}

// AttachWorkspace adds a worktree at path for an existing branch. Used when
// a retried agent continues on the branch its predecessor left behind.
func (m *Manager) AttachWorkspace(path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewGitError("failed to create workspace parent", err).WithWorktree(path)
	}
	output, err := m.git(m.repoDir, "worktree", "add", path, branch)
	if err != nil {
		return gitFailure("failed to attach workspace", err, output).
			WithBranch(branch).
			WithWorktree(path)
	}
	return nil
}

// RemoveWorkspace removes a worktree. When git refuses, the directory is
// deleted by hand and stale worktree metadata pruned.
func (m *Manager) RemoveWorkspace(path string) error {
	output, err := m.git(m.repoDir, "worktree", "remove", "--force", path)
	if err == nil {
		return nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		_, _ = m.git(m.repoDir, "worktree", "prune")
		return nil
	}
	_ = os.RemoveAll(path)
	_, _ = m.git(m.repoDir, "worktree", "prune")
	return gitFailure("failed to remove workspace cleanly", err, output).WithWorktree(path)
}

// ListWorkspaces returns the paths of all worktrees, the main one first.
func (m *Manager) ListWorkspaces() ([]string, error) {
	entries, err := m.worktreeEntries()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.path)
	}
	return paths, nil
}

// WorkspaceForBranch returns the worktree that has branch checked out.
func (m *Manager) WorkspaceForBranch(branch string) (string, bool, error) {
	entries, err := m.worktreeEntries()
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.branch == "refs/heads/"+branch {
			return e.path, true, nil
		}
	}
	return "", false, nil
}

type worktreeEntry struct {
	path   string
	branch string
}

func (m *Manager) worktreeEntries() ([]worktreeEntry, error) {
	output, err := m.git(m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, gitFailure("failed to list worktrees", err, output)
	}
	var entries []worktreeEntry
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			entries = append(entries, worktreeEntry{path: strings.TrimPrefix(line, "worktree ")})
		case strings.HasPrefix(line, "branch ") && len(entries) > 0:
			entries[len(entries)-1].branch = strings.TrimPrefix(line, "branch ")
		}
	}
	return entries, nil
}

// ExcludePath appends pattern to the repository's info/exclude so engine
// files inside workspaces never show up as changes. Worktrees share the
// file, so one call covers every workspace.
func (m *Manager) ExcludePath(pattern string) error {
	commonDir, err := m.git(m.repoDir, "rev-parse", "--git-common-dir")
	if err != nil {
		return gitFailure("failed to locate git directory", err, commonDir)
	}
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(m.repoDir, commonDir)
	}
	excludeFile := filepath.Join(commonDir, "info", "exclude")

	existing, err := os.ReadFile(excludeFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", excludeFile, err)
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludeFile), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(excludeFile), err)
	}
	f, err := os.OpenFile(excludeFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", excludeFile, err)
	}
	defer func() { _ = f.Close() }()
	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + pattern + "\n")
	return err
}

// -----------------------------------------------------------------------------
// Branches and refs
// -----------------------------------------------------------------------------

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(branch string) bool {
	_, err := m.git(m.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// DeleteBranch force-deletes a local branch. A missing branch is not an error.
func (m *Manager) DeleteBranch(branch string) error {
	if !m.BranchExists(branch) {
		return nil
	}
	output, err := m.git(m.repoDir, "branch", "-D", branch)
	if err != nil {
		return gitFailure("failed to delete branch", err, output).WithBranch(branch)
	}
	return nil
}

// ResolveRef returns the commit a ref points at.
func (m *Manager) ResolveRef(ref string) (string, error) {
	output, err := m.git(m.repoDir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil || output == "" {
		return "", errors.NewGitError("cannot resolve "+ref, errors.ErrBranchNotFound).WithBranch(ref)
	}
	return output, nil
}

// HeadCommit returns the commit checked out in a worktree.
func (m *Manager) HeadCommit(path string) (string, error) {
	output, err := m.git(path, "rev-parse", "HEAD")
	if err != nil {
		return "", gitFailure("failed to read HEAD", err, output).WithWorktree(path)
	}
	return output, nil
}

// CurrentBranch returns the branch checked out in a worktree.
func (m *Manager) CurrentBranch(path string) (string, error) {
	output, err := m.git(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", gitFailure("failed to get branch", err, output).WithWorktree(path)
	}
	return output, nil
}

// CommitsBetween returns the commits reachable from head but not base,
// oldest first.
func (m *Manager) CommitsBetween(base, head string) ([]string, error) {
	output, err := m.git(m.repoDir, "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, gitFailure("failed to list commits", err, output).WithBranch(base + ".." + head)
	}
	return lines(output), nil
}

// ChangedFiles lists paths that differ between two commits.
func (m *Manager) ChangedFiles(base, head string) ([]string, error) {
	output, err := m.git(m.repoDir, "diff", "--name-only", base, head)
	if err != nil {
		return nil, gitFailure("failed to diff commits", err, output).WithBranch(base + ".." + head)
	}
	return lines(output), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (m *Manager) IsAncestor(ancestor, descendant string) (bool, error) {
	output, err := m.git(m.repoDir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, gitFailure("failed to compare commits", err, output)
}

// UpdateBranch moves a branch to commit, failing if it no longer points at
// oldCommit.
func (m *Manager) UpdateBranch(branch, commit, oldCommit string) error {
	output, err := m.git(m.repoDir, "update-ref", "refs/heads/"+branch, commit, oldCommit)
	if err != nil {
		return gitFailure("failed to update branch", err, output).WithBranch(branch)
	}
	return nil
}

// MergeFastForward fast-forwards the branch checked out in path to commit.
func (m *Manager) MergeFastForward(path, commit string) error {
	output, err := m.git(path, "merge", "--ff-only", commit)
	if err != nil {
		return gitFailure("failed to fast-forward", errors.ErrNotFastForward, output).WithWorktree(path)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Working tree state
// -----------------------------------------------------------------------------

// HasUncommittedChanges reports whether a worktree has staged, unstaged or
// untracked changes.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	output, err := m.git(path, "status", "--porcelain")
	if err != nil {
		return false, gitFailure("failed to check git status", err, output).WithWorktree(path)
	}
	return output != "", nil
}

// ResetHard moves the worktree's branch to commit and discards local changes.
func (m *Manager) ResetHard(path, commit string) error {
	output, err := m.git(path, "reset", "--hard", commit)
	if err != nil {
		return gitFailure("failed to reset", err, output).WithWorktree(path)
	}
	return nil
}

// CommitAll stages and commits all changes. Returns nil if there is nothing
// to commit.
func (m *Manager) CommitAll(path, message string) error {
	output, err := m.git(path, "add", "-A")
	if err != nil {
		return gitFailure("failed to stage changes", err, output).WithWorktree(path)
	}
	output, err = m.git(path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(output, "nothing to commit") {
			return nil
		}
		return gitFailure("failed to commit changes", err, output).WithWorktree(path)
	}
	return nil
}
