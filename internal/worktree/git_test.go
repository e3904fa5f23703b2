package worktree

import (
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/Iron-Ham/laneway/internal/errors"
)

// -----------------------------------------------------------------------------
// Mock Command Executor for Unit Tests
// -----------------------------------------------------------------------------

// mockCall records a single command invocation
type mockCall struct {
	dir  string
	name string
	args []string
}

type mockResponse struct {
	output []byte
	err    error
}

// mockExecutor is a test double for CommandExecutor
type mockExecutor struct {
	calls     []mockCall
	responses []mockResponse
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{}
}

func (m *mockExecutor) addResponse(output string, err error) {
	m.responses = append(m.responses, mockResponse{output: []byte(output), err: err})
}

func (m *mockExecutor) next(dir, name string, args []string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	idx := len(m.calls) - 1
	if idx < len(m.responses) {
		return m.responses[idx].output, m.responses[idx].err
	}
	return nil, nil
}

func (m *mockExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	return m.next(dir, name, args)
}

func (m *mockExecutor) Output(dir string, name string, args ...string) ([]byte, error) {
	return m.next(dir, name, args)
}

// exitError returns a real *exec.ExitError with the given status.
func exitError(t *testing.T, code int) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit "+strconv.Itoa(code)).Run()
	if err == nil {
		t.Fatal("expected command to fail")
	}
	return err
}

// -----------------------------------------------------------------------------
// Unit tests
// -----------------------------------------------------------------------------

func TestHasUncommittedChanges(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		err        error
		wantResult bool
		wantErr    bool
	}{
		{name: "clean repo", output: ""},
		{name: "modified file", output: " M file.txt\n", wantResult: true},
		{name: "untracked file", output: "?? newfile.txt\n", wantResult: true},
		{name: "status error", err: errors.New("git status failed"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockExecutor()
			mock.addResponse(tt.output, tt.err)

			m := NewWithExecutor("/repo", mock)
			result, err := m.HasUncommittedChanges("/ws")
			if (err != nil) != tt.wantErr {
				t.Fatalf("HasUncommittedChanges() error = %v, wantErr %v", err, tt.wantErr)
			}
			if result != tt.wantResult {
				t.Errorf("HasUncommittedChanges() = %v, want %v", result, tt.wantResult)
			}
			call := mock.calls[0]
			if call.dir != "/ws" || !slices.Equal(call.args, []string{"status", "--porcelain"}) {
				t.Errorf("unexpected command: %s %v", call.dir, call.args)
			}
		})
	}
}

func TestCreateWorkspace(t *testing.T) {
	mock := newMockExecutor()
	mock.addResponse("Preparing worktree", nil)

	m := NewWithExecutor("/repo", mock)
	if err := m.CreateWorkspace(t.TempDir()+"/ws/api", "laneway/1/api", "abc123"); err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}
	args := mock.calls[0].args
	if args[0] != "worktree" || args[1] != "add" || args[2] != "-b" || args[3] != "laneway/1/api" || args[5] != "abc123" {
		t.Errorf("unexpected args: %v", args)
	}
	if mock.calls[0].dir != "/repo" {
		t.Errorf("worktree add must run in the repo root, ran in %s", mock.calls[0].dir)
	}
}

func TestCreateWorkspace_Failure(t *testing.T) {
	mock := newMockExecutor()
	mock.addResponse("fatal: a branch named 'laneway/1/api' already exists", errors.New("exit status 128"))

	m := NewWithExecutor("/repo", mock)
	err := m.CreateWorkspace(t.TempDir()+"/ws", "laneway/1/api", "HEAD")

	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) {
		t.Fatalf("error = %v, want GitError", err)
	}
	if gitErr.Branch != "laneway/1/api" || gitErr.GitOutput == "" {
		t.Errorf("GitError missing context: %+v", gitErr)
	}
}

func TestCommitsBetween(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{name: "none", output: "", want: []string{}},
		{name: "oldest first", output: "aaa\nbbb\nccc\n", want: []string{"aaa", "bbb", "ccc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockExecutor()
			mock.addResponse(tt.output, nil)
			m := NewWithExecutor("/repo", mock)

			got, err := m.CommitsBetween("base", "head")
			if err != nil {
				t.Fatalf("CommitsBetween() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("CommitsBetween() = %v, want %v", got, tt.want)
			}
			if !slices.Equal(mock.calls[0].args, []string{"rev-list", "--reverse", "base..head"}) {
				t.Errorf("unexpected args: %v", mock.calls[0].args)
			}
		})
	}
}

func TestCherryPick_Conflict(t *testing.T) {
	mock := newMockExecutor()
	mock.addResponse("error: could not apply abc123... change\nCONFLICT (content): Merge conflict in a.go", errors.New("exit status 1"))
	mock.addResponse("a.go\nb.go\n", nil)

	m := NewWithExecutor("/repo", mock)
	err := m.CherryPick("/int", "abc123")

	var conflict *CherryPickConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("CherryPick() error = %v, want CherryPickConflictError", err)
	}
	if !slices.Equal(conflict.Files, []string{"a.go", "b.go"}) {
		t.Errorf("Files = %v", conflict.Files)
	}
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Error("conflict should match ErrMergeConflict")
	}
	if got := conflict.Error(); got != "cherry-pick conflict on commit abc123 in a.go, b.go" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCherryPick_OtherFailure(t *testing.T) {
	mock := newMockExecutor()
	mock.addResponse("fatal: bad revision 'nope'", errors.New("exit status 128"))

	m := NewWithExecutor("/repo", mock)
	err := m.CherryPick("/int", "nope")

	var conflict *CherryPickConflictError
	if errors.As(err, &conflict) {
		t.Fatal("a bad revision is not a conflict")
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestContinueCherryPick(t *testing.T) {
	t.Run("commits", func(t *testing.T) {
		mock := newMockExecutor()
		mock.addResponse("", nil)
		m := NewWithExecutor("/repo", mock)

		applied, err := m.ContinueCherryPick("/int")
		if err != nil || !applied {
			t.Fatalf("ContinueCherryPick() = %v, %v", applied, err)
		}
		if !slices.Equal(mock.calls[0].args, []string{"-c", "core.editor=true", "cherry-pick", "--continue"}) {
			t.Errorf("unexpected args: %v", mock.calls[0].args)
		}
	})

	t.Run("empty resolution is skipped", func(t *testing.T) {
		mock := newMockExecutor()
		mock.addResponse("The previous cherry-pick is now empty", errors.New("exit status 1"))
		mock.addResponse("", nil)
		m := NewWithExecutor("/repo", mock)

		applied, err := m.ContinueCherryPick("/int")
		if err != nil || applied {
			t.Fatalf("ContinueCherryPick() = %v, %v", applied, err)
		}
		if !slices.Equal(mock.calls[1].args, []string{"cherry-pick", "--skip"}) {
			t.Errorf("expected skip, got %v", mock.calls[1].args)
		}
	})
}

func TestConflictStages(t *testing.T) {
	mock := newMockExecutor()
	mock.addResponse("100644 1111 1\tf.go\n100644 3333 3\tf.go\n", nil)
	mock.addResponse("base\n", nil)
	mock.addResponse("theirs\n", nil)

	m := NewWithExecutor("/repo", mock)
	st, err := m.ConflictStages("/int", "f.go")
	if err != nil {
		t.Fatalf("ConflictStages() error = %v", err)
	}
	if string(st.Base) != "base\n" || string(st.Theirs) != "theirs\n" {
		t.Errorf("stages = %+v", st)
	}
	if st.Ours != nil {
		t.Error("missing stage 2 means ours deleted the file")
	}
	if !slices.Equal(mock.calls[1].args, []string{"cat-file", "blob", "1111"}) {
		t.Errorf("unexpected args: %v", mock.calls[1].args)
	}
}

func TestIsAncestor(t *testing.T) {
	tests := []struct {
		name    string
		err     func(t *testing.T) error
		want    bool
		wantErr bool
	}{
		{name: "ancestor", err: func(*testing.T) error { return nil }, want: true},
		{name: "not ancestor", err: func(t *testing.T) error { return exitError(t, 1) }},
		{name: "bad object", err: func(t *testing.T) error { return exitError(t, 2) }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockExecutor()
			mock.addResponse("", tt.err(t))
			m := NewWithExecutor("/repo", mock)

			got, err := m.IsAncestor("a", "b")
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsAncestor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsAncestor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkspaceForBranch(t *testing.T) {
	mock := newMockExecutor()
	porcelain := "worktree /repo\nHEAD aaa\nbranch refs/heads/main\n\nworktree /repo/.laneway/worktrees/1/integration\nHEAD bbb\nbranch refs/heads/laneway/1/integration\n"
	mock.addResponse(porcelain, nil)
	mock.addResponse(porcelain, nil)

	m := NewWithExecutor("/repo", mock)
	path, ok, err := m.WorkspaceForBranch("main")
	if err != nil || !ok || path != "/repo" {
		t.Errorf("WorkspaceForBranch(main) = %q, %v, %v", path, ok, err)
	}
	if _, ok, _ := m.WorkspaceForBranch("release"); ok {
		t.Error("release is not checked out anywhere")
	}
}

func TestResolveRef_Missing(t *testing.T) {
	mock := newMockExecutor()
	mock.addResponse("", errors.New("exit status 1"))

	m := NewWithExecutor("/repo", mock)
	if _, err := m.ResolveRef("nope"); !errors.Is(err, errors.ErrBranchNotFound) {
		t.Errorf("ResolveRef() error = %v, want ErrBranchNotFound", err)
	}
}

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello..."},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncateOutput(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("truncateOutput(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestBranchNames(t *testing.T) {
	tests := []struct {
		role string
		want string
	}{
		{"api", "laneway/42/api"},
		{"front end", "laneway/42/front-end"},
		{"../evil", "laneway/42/evil"},
		{"", "laneway/42/agent"},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			if got := AgentBranch("laneway", "42", tt.role); got != tt.want {
				t.Errorf("AgentBranch() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := IntegrationBranch("lw", "7"); got != "lw/7/integration" {
		t.Errorf("IntegrationBranch() = %q", got)
	}
	if got := WorkspacePath("/wt", "7", "api"); got != filepath.Join("/wt", "7", "api") {
		t.Errorf("WorkspacePath() = %q", got)
	}
}
