package worktree

// WorkspaceManager creates and tears down agent workspaces. The supervisor
// depends on this subset so tests can run without a repository.
type WorkspaceManager interface {
	RepoDir() string

	// CreateWorkspace adds a worktree at path on a new branch started at base.
	CreateWorkspace(path, branch, base string) error

	// AttachWorkspace adds a worktree at path for an existing branch.
	AttachWorkspace(path, branch string) error

	// RemoveWorkspace removes the worktree at path. The branch is kept.
	RemoveWorkspace(path string) error

	BranchExists(branch string) bool
	DeleteBranch(branch string) error
	ResolveRef(ref string) (string, error)
}

// IntegrationOperations are the git operations used to replay agent
// branches onto the integration branch and promote the result.
type IntegrationOperations interface {
	WorkspaceManager

	HeadCommit(path string) (string, error)
	CommitsBetween(base, head string) ([]string, error)
	ChangedFiles(base, head string) ([]string, error)
	HasUncommittedChanges(path string) (bool, error)
	ResetHard(path, commit string) error

	// Cherry-pick operations
	CherryPick(path, commit string) error
	IsCherryPickInProgress(path string) bool
	AbortCherryPick(path string) error
	ContinueCherryPick(path string) (bool, error)
	SkipCherryPick(path string) error
	ConflictingFiles(path string) ([]string, error)
	ConflictStages(path, file string) (Stages, error)
	StageFile(path, file string) error
	RemoveFile(path, file string) error
	MergeFileUnion(ours, base, theirs []byte) ([]byte, error)

	// Promotion
	IsAncestor(ancestor, descendant string) (bool, error)
	WorkspaceForBranch(branch string) (string, bool, error)
	UpdateBranch(branch, commit, oldCommit string) error
	MergeFastForward(path, commit string) error
}

var (
	_ WorkspaceManager      = (*Manager)(nil)
	_ IntegrationOperations = (*Manager)(nil)
)
