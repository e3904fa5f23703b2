package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/laneway/internal/errors"
)

// CherryPickConflictError represents a conflict during cherry-pick. The
// pick is left in progress.
type CherryPickConflictError struct {
	Commit string
	Files  []string
	Output string
}

func (e *CherryPickConflictError) Error() string {
	return fmt.Sprintf("cherry-pick conflict on commit %s in %s", shortSHA(e.Commit), strings.Join(e.Files, ", "))
}

// Unwrap lets callers match the conflict with errors.Is(err, ErrMergeConflict).
func (e *CherryPickConflictError) Unwrap() error {
	return errors.ErrMergeConflict
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// CherryPick applies one commit onto the branch checked out in path.
// Commits that become empty are kept so every source commit maps to a
// commit on the target.
func (m *Manager) CherryPick(path, commit string) error {
	output, err := m.git(path, "cherry-pick", "--allow-empty", "--keep-redundant-commits", commit)
	if err == nil {
		return nil
	}
	if strings.Contains(output, "CONFLICT") || strings.Contains(output, "could not apply") {
		files, ferr := m.ConflictingFiles(path)
		if ferr != nil {
			return ferr
		}
		return &CherryPickConflictError{Commit: commit, Files: files, Output: output}
	}
	return gitFailure("failed to cherry-pick commit "+shortSHA(commit), err, output).WithWorktree(path)
}

// IsCherryPickInProgress reports whether a pick is waiting in path. Works
// for linked worktrees, whose .git is a file.
func (m *Manager) IsCherryPickInProgress(path string) bool {
	_, err := m.git(path, "rev-parse", "--verify", "--quiet", "CHERRY_PICK_HEAD")
	return err == nil
}

// AbortCherryPick aborts an in-progress cherry-pick.
func (m *Manager) AbortCherryPick(path string) error {
	output, err := m.git(path, "cherry-pick", "--abort")
	if err != nil {
		return gitFailure("failed to abort cherry-pick", err, output).WithWorktree(path)
	}
	return nil
}

// ContinueCherryPick commits the resolved pick without opening an editor.
// When the resolution left nothing to commit the pick is skipped and
// applied is false.
func (m *Manager) ContinueCherryPick(path string) (applied bool, err error) {
	output, err := m.git(path, "-c", "core.editor=true", "cherry-pick", "--continue")
	if err == nil {
		return true, nil
	}
	if strings.Contains(output, "empty") || strings.Contains(output, "nothing to commit") {
		if skipErr := m.SkipCherryPick(path); skipErr != nil {
			return false, skipErr
		}
		return false, nil
	}
	return false, gitFailure("failed to continue cherry-pick", err, output).WithWorktree(path)
}

// SkipCherryPick drops the commit being picked.
func (m *Manager) SkipCherryPick(path string) error {
	output, err := m.git(path, "cherry-pick", "--skip")
	if err != nil {
		return gitFailure("failed to skip cherry-pick", err, output).WithWorktree(path)
	}
	return nil
}

// ConflictingFiles returns paths with unmerged index entries.
func (m *Manager) ConflictingFiles(path string) ([]string, error) {
	output, err := m.git(path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, gitFailure("failed to get conflicting files", err, output).WithWorktree(path)
	}
	return lines(output), nil
}

// Stages holds the three sides of a conflicted file. A nil side means the
// file does not exist on that side.
type Stages struct {
	Base   []byte
	Ours   []byte
	Theirs []byte
}

// ConflictStages reads the base, ours and theirs blobs of an unmerged file.
func (m *Manager) ConflictStages(path, file string) (Stages, error) {
	output, err := m.git(path, "ls-files", "-u", "--", file)
	if err != nil {
		return Stages{}, gitFailure("failed to list unmerged entries", err, output).WithWorktree(path)
	}

	var st Stages
	for _, line := range lines(output) {
		// <mode> <sha> <stage>\t<path>
		meta, _, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			continue
		}
		stage, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		blob, err := m.executor.Output(path, "git", "cat-file", "blob", fields[1])
		if err != nil {
			return Stages{}, gitFailure("failed to read blob "+fields[1], err, string(blob)).WithWorktree(path)
		}
		if blob == nil {
			blob = []byte{}
		}
		switch stage {
		case 1:
			st.Base = blob
		case 2:
			st.Ours = blob
		case 3:
			st.Theirs = blob
		}
	}
	return st, nil
}

// StageFile marks a file resolved with its working tree contents.
func (m *Manager) StageFile(path, file string) error {
	output, err := m.git(path, "add", "--", file)
	if err != nil {
		return gitFailure("failed to stage "+file, err, output).WithWorktree(path)
	}
	return nil
}

// RemoveFile resolves a conflict as a deletion.
func (m *Manager) RemoveFile(path, file string) error {
	output, err := m.git(path, "rm", "--quiet", "--force", "--", file)
	if err != nil {
		return gitFailure("failed to remove "+file, err, output).WithWorktree(path)
	}
	return nil
}

// MergeFileUnion runs a three-way merge that keeps the lines of both sides
// instead of writing conflict markers.
func (m *Manager) MergeFileUnion(ours, base, theirs []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "laneway-merge-*")
	if err != nil {
		return nil, fmt.Errorf("create merge dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	names := []string{"ours", "base", "theirs"}
	for i, content := range [][]byte{ours, base, theirs} {
		if err := os.WriteFile(filepath.Join(dir, names[i]), content, 0644); err != nil {
			return nil, fmt.Errorf("write merge input: %w", err)
		}
	}

	// merge-file exits with the conflict count and --union leaves none, so
	// any failure is a real error.
	out, err := m.executor.Output(dir, "git", "merge-file", "-p", "--union", "ours", "base", "theirs")
	if err != nil {
		return nil, gitFailure("failed to merge file", err, string(out))
	}
	return out, nil
}
