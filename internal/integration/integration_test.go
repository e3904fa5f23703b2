//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/task"
	"github.com/Iron-Ham/laneway/internal/testutil"
	"github.com/Iron-Ham/laneway/internal/worktree"
)

type fixture struct {
	repo     string
	base     string
	git      *worktree.Manager
	store    *store.Store
	resolver *Resolver
	task     *task.Task
}

// newFixture creates a repository with shared/types.go and config.txt on
// main and a task with api and ui subtasks whose branches start at main.
func newFixture(t *testing.T, verify string) *fixture {
	t.Helper()
	testutil.SkipIfNoGit(t)

	repo := testutil.SetupTestRepoWithContent(t, map[string]string{
		"shared/types.go": "package shared\n",
		"config.txt":      "timeout = 10\n",
	})
	git, err := worktree.New(repo)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.NewOS(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatal(err)
	}
	base := testutil.RevParse(t, repo, "HEAD")

	tk := task.New("1", "", "login", "", testTime)
	tk.Integration.BaseCommit = base
	tk.Subtasks = []task.Subtask{
		{ID: "1-0", TaskID: "1", Role: "api", Scope: []string{"api/"}, Status: task.SubtaskComplete, Branch: "laneway/1/api", AgentID: "api-a"},
		{ID: "1-1", TaskID: "1", Role: "ui", Scope: []string{"ui/"}, Status: task.SubtaskComplete, Branch: "laneway/1/ui", AgentID: "ui-a"},
	}
	for _, b := range []string{"laneway/1/api", "laneway/1/ui"} {
		testutil.CreateBranch(t, repo, b)
	}

	r := New(git, st, Config{
		WorktreeDir:   filepath.Join(t.TempDir(), "worktrees"),
		BranchPrefix:  "laneway",
		Protected:     "main",
		VerifyCommand: verify,
	})
	return &fixture{repo: repo, base: base, git: git, store: st, resolver: r, task: tk}
}

// commitOn commits a file on branch and returns to main.
func (f *fixture) commitOn(t *testing.T, branch, path, content string) string {
	t.Helper()
	testutil.CheckoutBranch(t, f.repo, branch)
	sha := testutil.CommitFile(t, f.repo, path, content, "edit "+path)
	testutil.CheckoutBranch(t, f.repo, "main")
	return sha
}

func TestStage_DisjointLanes(t *testing.T) {
	f := newFixture(t, "")
	f.commitOn(t, "laneway/1/api", "api/login.go", "package api\n")
	f.commitOn(t, "laneway/1/api", "api/session.go", "package api\n")
	f.commitOn(t, "laneway/1/ui", "ui/form.tsx", "export {}\n")

	res, err := f.resolver.Stage(context.Background(), f.task)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if res.Conflict != nil {
		t.Fatalf("unexpected conflict %+v", res.Conflict)
	}
	if res.Applied != 3 || !f.task.Integration.Staged {
		t.Errorf("Applied = %d, Staged = %v", res.Applied, f.task.Integration.Staged)
	}
	for _, p := range []string{"api/login.go", "api/session.go", "ui/form.tsx"} {
		if _, err := os.Stat(filepath.Join(f.task.Integration.Worktree, p)); err != nil {
			t.Errorf("%s missing from integration worktree", p)
		}
	}
	if got := testutil.GetCommitCount(t, f.repo, "laneway/1/integration"); got != 5 {
		t.Errorf("integration commits = %d, want 5", got)
	}
}

func TestStage_IsRepeatable(t *testing.T) {
	f := newFixture(t, "")
	f.commitOn(t, "laneway/1/api", "api/login.go", "package api\n")
	f.commitOn(t, "laneway/1/ui", "ui/form.tsx", "export {}\n")

	ctx := context.Background()
	if _, err := f.resolver.Stage(ctx, f.task); err != nil {
		t.Fatal(err)
	}
	first := testutil.RevParse(t, f.repo, f.task.Integration.Head+"^{tree}")
	if _, err := f.resolver.Stage(ctx, f.task); err != nil {
		t.Fatal(err)
	}
	second := testutil.RevParse(t, f.repo, f.task.Integration.Head+"^{tree}")
	if first != second {
		t.Errorf("restaging changed the tree: %s != %s", first, second)
	}
	if len(f.task.Integration.Applied) != 2 {
		t.Errorf("Applied = %v", f.task.Integration.Applied)
	}
}

func TestStage_SkippedSubtaskIsLeftOut(t *testing.T) {
	f := newFixture(t, "")
	f.commitOn(t, "laneway/1/api", "api/login.go", "package api\n")
	f.commitOn(t, "laneway/1/ui", "ui/form.tsx", "export {}\n")
	f.task.Subtasks[1].Skipped = true

	if _, err := f.resolver.Stage(context.Background(), f.task); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(f.task.Integration.Worktree, "ui/form.tsx")); !os.IsNotExist(err) {
		t.Error("skipped subtask was integrated")
	}
}

func TestStage_AutoResolvesSharedAdditions(t *testing.T) {
	f := newFixture(t, "")
	f.commitOn(t, "laneway/1/api", "shared/types.go", "package shared\n\ntype Login struct{}\n")
	f.commitOn(t, "laneway/1/ui", "shared/types.go", "package shared\n\ntype Form struct{}\n")

	res, err := f.resolver.Stage(context.Background(), f.task)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if res.Conflict != nil {
		t.Fatalf("unexpected conflict: %s", res.Conflict.Description)
	}
	if len(res.AutoResolved) != 1 || !strings.HasPrefix(res.AutoResolved[0], "shared/types.go") {
		t.Errorf("AutoResolved = %v", res.AutoResolved)
	}
	got := testutil.ReadFile(t, f.task.Integration.Worktree, "shared/types.go")
	if !strings.Contains(got, "Login") || !strings.Contains(got, "Form") || strings.Contains(got, "<<<<<<<") {
		t.Errorf("merged types.go = %q", got)
	}
}

func TestStage_ConflictThenResume(t *testing.T) {
	f := newFixture(t, "")
	f.commitOn(t, "laneway/1/api", "config.txt", "timeout = 20\n")
	f.commitOn(t, "laneway/1/api", "api/login.go", "package api\n")
	uiCommit := f.commitOn(t, "laneway/1/ui", "config.txt", "timeout = 30\n")
	f.commitOn(t, "laneway/1/ui", "ui/form.tsx", "export {}\n")

	ctx := context.Background()
	res, err := f.resolver.Stage(ctx, f.task)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	rec := res.Conflict
	if rec == nil {
		t.Fatal("expected a conflict")
	}
	if len(f.task.Conflicts) != 1 || f.task.OpenConflict() == nil {
		t.Fatalf("Conflicts = %+v", f.task.Conflicts)
	}
	if rec.Commit != uiCommit || rec.SubtaskID != "1-1" {
		t.Errorf("record = %+v", rec)
	}
	roles := map[string]bool{}
	for _, e := range rec.Entries {
		if e.File != "config.txt" {
			t.Errorf("entry for %s", e.File)
		}
		roles[e.Role] = true
	}
	if !roles["api"] || !roles["ui"] {
		t.Errorf("entries = %+v, want both contributors", rec.Entries)
	}
	if _, err := os.Stat(rec.ReportPath); err != nil {
		t.Errorf("conflict report not written: %v", err)
	}
	if !f.git.IsCherryPickInProgress(f.task.Integration.Worktree) {
		t.Error("conflicting pick should stay in progress")
	}
	if f.task.Integration.Staged {
		t.Error("task staged despite conflict")
	}

	// Staging again while the record is open is refused.
	if _, err := f.resolver.Stage(ctx, f.task); !errors.Is(err, errors.ErrConflictUnresolved) {
		t.Errorf("Stage() with open conflict error = %v", err)
	}

	// Markers still present.
	if _, err := f.resolver.Resume(ctx, f.task); !errors.Is(err, errors.ErrConflictUnresolved) {
		t.Fatalf("Resume() with markers error = %v", err)
	}

	testutil.WriteFile(t, f.task.Integration.Worktree, "config.txt", "timeout = 30\n")
	res, err = f.resolver.Resume(ctx, f.task)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Conflict != nil || !f.task.Integration.Staged {
		t.Fatalf("Resume() = %+v, staged %v", res, f.task.Integration.Staged)
	}
	if f.task.OpenConflict() != nil || f.task.Conflicts[0].State != task.ConflictResolved {
		t.Errorf("conflict not closed: %+v", f.task.Conflicts[0])
	}
	if len(f.task.Integration.Applied) != 4 {
		t.Errorf("Applied = %v, want 4 entries", f.task.Integration.Applied)
	}
	if _, err := os.Stat(filepath.Join(f.task.Integration.Worktree, "ui/form.tsx")); err != nil {
		t.Error("commits after the conflict were not replayed")
	}
}

func TestResume_AbortedPickStaysOpen(t *testing.T) {
	f := newFixture(t, "")
	f.commitOn(t, "laneway/1/api", "config.txt", "timeout = 20\n")
	f.commitOn(t, "laneway/1/ui", "config.txt", "timeout = 30\n")

	ctx := context.Background()
	res, err := f.resolver.Stage(ctx, f.task)
	if err != nil || res.Conflict == nil {
		t.Fatalf("Stage() = %+v, %v", res, err)
	}
	testutil.Git(t, f.task.Integration.Worktree, "cherry-pick", "--abort")

	if _, err := f.resolver.Resume(ctx, f.task); !errors.Is(err, errors.ErrConflictUnresolved) {
		t.Fatalf("Resume() after abort error = %v", err)
	}
	if f.task.OpenConflict() == nil {
		t.Error("record closed after an aborted pick")
	}
}

func TestResume_ReplayFailureKeepsRecordOpen(t *testing.T) {
	f := newFixture(t, "")
	f.commitOn(t, "laneway/1/api", "config.txt", "timeout = 20\n")
	f.commitOn(t, "laneway/1/ui", "config.txt", "timeout = 30\n")

	// A merge commit after the conflicting one cannot be replayed.
	testutil.CheckoutBranch(t, f.repo, "laneway/1/ui")
	testutil.Git(t, f.repo, "checkout", "-b", "ui-side")
	testutil.CommitFile(t, f.repo, "ui/side.tsx", "export {}\n", "side")
	testutil.CheckoutBranch(t, f.repo, "laneway/1/ui")
	testutil.Git(t, f.repo, "merge", "--no-ff", "ui-side", "-m", "merge side")
	testutil.CheckoutBranch(t, f.repo, "main")

	ctx := context.Background()
	res, err := f.resolver.Stage(ctx, f.task)
	if err != nil || res.Conflict == nil {
		t.Fatalf("Stage() = %+v, %v", res, err)
	}
	testutil.WriteFile(t, f.task.Integration.Worktree, "config.txt", "timeout = 30\n")

	_, err = f.resolver.Resume(ctx, f.task)
	if err == nil {
		t.Fatal("Resume() should fail on the merge commit")
	}
	if errors.Is(err, errors.ErrConflictUnresolved) {
		t.Errorf("Resume() error = %v, want a replay failure", err)
	}
	rec := f.task.OpenConflict()
	if rec == nil {
		t.Fatal("record closed although the replay failed")
	}
	if f.task.Integration.Staged {
		t.Error("task staged after a failed replay")
	}
	resolved := f.task.Integration.Head
	if got := testutil.RevParse(t, f.task.Integration.Worktree, "HEAD"); got != resolved {
		t.Errorf("worktree HEAD = %s, want the resolution commit %s", got, resolved)
	}
	if f.git.IsCherryPickInProgress(f.task.Integration.Worktree) {
		t.Error("failed pick left in progress")
	}
	applied := len(f.task.Integration.Applied)

	// Resolving again retries the replay from the same point.
	if _, err := f.resolver.Resume(ctx, f.task); err == nil || errors.Is(err, errors.ErrConflictUnresolved) {
		t.Errorf("second Resume() error = %v, want the replay failure again", err)
	}
	if f.task.OpenConflict() == nil || f.task.Integration.Head != resolved {
		t.Errorf("second Resume() moved the integration: head %s", f.task.Integration.Head)
	}
	if len(f.task.Integration.Applied) != applied {
		t.Errorf("Applied = %v, want %d entries", f.task.Integration.Applied, applied)
	}
}

func TestPromote(t *testing.T) {
	t.Run("fast-forwards checked out branch", func(t *testing.T) {
		f := newFixture(t, "")
		f.commitOn(t, "laneway/1/api", "api/login.go", "package api\n")
		ctx := context.Background()
		if _, err := f.resolver.Stage(ctx, f.task); err != nil {
			t.Fatal(err)
		}
		head, err := f.resolver.Promote(ctx, f.task)
		if err != nil {
			t.Fatalf("Promote() error = %v", err)
		}
		if got := testutil.RevParse(t, f.repo, "main"); got != head {
			t.Errorf("main = %s, want %s", got, head)
		}
		if _, err := os.Stat(filepath.Join(f.repo, "api/login.go")); err != nil {
			t.Error("checked out main did not receive the files")
		}
	})

	t.Run("updates ref when not checked out", func(t *testing.T) {
		f := newFixture(t, "")
		f.commitOn(t, "laneway/1/ui", "ui/form.tsx", "export {}\n")
		testutil.Git(t, f.repo, "checkout", "--detach")
		ctx := context.Background()
		if _, err := f.resolver.Stage(ctx, f.task); err != nil {
			t.Fatal(err)
		}
		head, err := f.resolver.Promote(ctx, f.task)
		if err != nil {
			t.Fatalf("Promote() error = %v", err)
		}
		if got := testutil.RevParse(t, f.repo, "main"); got != head {
			t.Errorf("main = %s, want %s", got, head)
		}
	})

	t.Run("refuses when main moved", func(t *testing.T) {
		f := newFixture(t, "")
		f.commitOn(t, "laneway/1/api", "api/login.go", "package api\n")
		ctx := context.Background()
		if _, err := f.resolver.Stage(ctx, f.task); err != nil {
			t.Fatal(err)
		}
		moved := testutil.CommitFile(t, f.repo, "docs/notes.md", "hotfix\n", "hotfix")
		if _, err := f.resolver.Promote(ctx, f.task); !errors.Is(err, errors.ErrNotFastForward) {
			t.Fatalf("Promote() error = %v, want ErrNotFastForward", err)
		}
		if got := testutil.RevParse(t, f.repo, "main"); got != moved {
			t.Error("main changed after a refused promotion")
		}
	})
}

func TestFinalizeInWorktree(t *testing.T) {
	f := newFixture(t, "test -f api/login.go")
	f.commitOn(t, "laneway/1/api", "api/login.go", "package api\n")
	ctx := context.Background()
	if _, err := f.resolver.Stage(ctx, f.task); err != nil {
		t.Fatal(err)
	}
	v, err := f.resolver.Finalize(ctx, f.task)
	if err != nil || !v.Passed {
		t.Fatalf("Finalize() = %+v, %v", v, err)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, "")
	f.commitOn(t, "laneway/1/api", "config.txt", "timeout = 20\n")
	f.commitOn(t, "laneway/1/ui", "config.txt", "timeout = 30\n")
	ctx := context.Background()
	if _, err := f.resolver.Stage(ctx, f.task); err != nil {
		t.Fatal(err)
	}
	path := f.task.Integration.Worktree

	if err := f.resolver.Discard(ctx, f.task); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("integration worktree still exists")
	}
	if f.git.BranchExists("laneway/1/integration") {
		t.Error("integration branch still exists")
	}
	if f.task.Integration.BaseCommit != f.base || f.task.Integration.Staged {
		t.Errorf("Integration = %+v", f.task.Integration)
	}
}
