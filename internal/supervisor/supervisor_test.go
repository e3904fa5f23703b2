package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/progress"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/task"
	"github.com/Iron-Ham/laneway/internal/worker"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeWorkspaces struct {
	fs afero.Fs

	mu         sync.Mutex
	branches   map[string]bool
	created    []string
	attached   []string
	removed    []string
	deleted    []string
	failCreate error
}

func newFakeWorkspaces(fs afero.Fs) *fakeWorkspaces {
	return &fakeWorkspaces{fs: fs, branches: make(map[string]bool)}
}

func (f *fakeWorkspaces) RepoDir() string { return "/repo" }

func (f *fakeWorkspaces) CreateWorkspace(path, branch, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	f.branches[branch] = true
	f.created = append(f.created, branch)
	return f.fs.MkdirAll(path, 0755)
}

func (f *fakeWorkspaces) AttachWorkspace(path, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, branch)
	return f.fs.MkdirAll(path, 0755)
}

func (f *fakeWorkspaces) RemoveWorkspace(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return f.fs.RemoveAll(path)
}

func (f *fakeWorkspaces) BranchExists(branch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[branch]
}

func (f *fakeWorkspaces) DeleteBranch(branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.branches, branch)
	f.deleted = append(f.deleted, branch)
	return nil
}

func (f *fakeWorkspaces) ResolveRef(ref string) (string, error) { return ref, nil }

type fakeLauncher struct {
	mu        sync.Mutex
	started   []worker.Spec
	stopped   []string
	alive     map[string]bool
	failStart error
	onStart   func(worker.Spec)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{alive: make(map[string]bool)}
}

func (l *fakeLauncher) Start(_ context.Context, spec worker.Spec) (worker.Session, error) {
	if l.onStart != nil {
		l.onStart(spec)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failStart != nil {
		return worker.Session{}, l.failStart
	}
	l.started = append(l.started, spec)
	l.alive[spec.AgentID] = true
	return worker.Session{Slot: spec.AgentID}, nil
}

func (l *fakeLauncher) Stop(slot string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, slot)
	delete(l.alive, slot)
	return nil
}

func (l *fakeLauncher) Alive(slot string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive[slot]
}

func (l *fakeLauncher) Known(slot string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.alive[slot]
	return ok
}

func (l *fakeLauncher) exit(slot string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive[slot] = false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	fs         afero.Fs
	store      *store.Store
	workspaces *fakeWorkspaces
	launcher   *fakeLauncher
	clock      *fakeClock
	bus        *event.Bus
	sup        *Supervisor
	task       *task.Task
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	st, err := store.New(fs, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	f := &fixture{
		fs:         fs,
		store:      st,
		workspaces: newFakeWorkspaces(fs),
		launcher:   newFakeLauncher(),
		clock:      clock,
		bus:        event.NewBus(),
	}
	f.sup = New(st, f.workspaces, f.launcher, Config{
		WorktreeDir:  "/wt",
		BranchPrefix: "laneway",
		StaleTimeout: 10 * time.Minute,
		MaxAttempts:  maxAttempts,
		Shared:       []string{"shared"},
	}, WithFs(fs), WithClock(clock.Now), WithBus(f.bus))

	f.task = task.New("100", "", "Add login", "Add a login endpoint and form.", clock.Now())
	f.task.SetPlan([]string{"api", "ui"}, [][]string{{"api"}, {"ui"}})
	f.task.Integration.BaseCommit = "base123"
	return f
}

func (f *fixture) writeReport(t *testing.T, workspace string, status task.SubtaskStatus, pct int, activity string) {
	t.Helper()
	err := progress.Write(f.fs, workspace, progress.Report{
		TaskID:    f.task.ID,
		Status:    status,
		Progress:  pct,
		Activity:  activity,
		UpdatedAt: f.clock.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestSpawn(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	var spawned []event.Event
	f.bus.Subscribe(event.TypeAgentSpawned, func(e event.Event) { spawned = append(spawned, e) })

	reg, err := f.sup.Spawn(ctx, f.task, "100-0")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if !strings.HasPrefix(reg.AgentID, "api-") {
		t.Errorf("AgentID = %q, want api-<nanos>", reg.AgentID)
	}
	if reg.Workspace != filepath.Join("/wt", "100", "api") {
		t.Errorf("Workspace = %q", reg.Workspace)
	}
	if reg.Branch != "laneway/100/api" || reg.Attempt != 1 {
		t.Errorf("Branch = %q, Attempt = %d", reg.Branch, reg.Attempt)
	}

	sub := f.task.Subtask("100-0")
	if sub.Attempts != 1 || sub.AgentID != reg.AgentID || sub.Status != task.SubtaskPending {
		t.Errorf("subtask = %+v", *sub)
	}

	registry := f.store.LoadRegistry()
	if got, ok := registry.ForSubtask("100-0"); !ok || got.AgentID != reg.AgentID {
		t.Errorf("registry = %+v", registry)
	}

	seeded := progress.Read(f.fs, reg.Workspace, "100")
	if seeded.Status != task.SubtaskPending || !seeded.UpdatedAt.Equal(f.clock.Now()) {
		t.Errorf("seeded report = %+v", seeded)
	}

	if len(f.launcher.started) != 1 {
		t.Fatalf("launcher started %d workers", len(f.launcher.started))
	}
	spec := f.launcher.started[0]
	for _, want := range []string{"Add login", "## Your lane: api", "- api", "- shared"} {
		if !strings.Contains(spec.Instructions, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
	if spec.LogPath != f.sup.LogPath(reg.AgentID) {
		t.Errorf("LogPath = %q", spec.LogPath)
	}
	if len(spawned) != 1 {
		t.Errorf("published %d spawn events, want 1", len(spawned))
	}
}

func TestSpawn_SharedPathsFollowSource(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	shared := []string{"shared"}
	WithSharedSource(func() []string { return shared })(f.sup)

	if _, err := f.sup.Spawn(ctx, f.task, "100-0"); err != nil {
		t.Fatalf("Spawn(api) error = %v", err)
	}
	shared = []string{"docs"}
	if _, err := f.sup.Spawn(ctx, f.task, "100-1"); err != nil {
		t.Fatalf("Spawn(ui) error = %v", err)
	}

	if len(f.launcher.started) != 2 {
		t.Fatalf("launcher started %d workers", len(f.launcher.started))
	}
	if first := f.launcher.started[0].Instructions; !strings.Contains(first, "- shared") {
		t.Errorf("first instructions missing shared path:\n%s", first)
	}
	second := f.launcher.started[1].Instructions
	if !strings.Contains(second, "- docs") || strings.Contains(second, "- shared") {
		t.Errorf("second instructions should list only docs:\n%s", second)
	}
}

func TestSpawn_WorkspaceConflict(t *testing.T) {
	f := newFixture(t, 3)
	if err := f.fs.MkdirAll(filepath.Join("/wt", "100", "api"), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := f.sup.Spawn(context.Background(), f.task, "100-0")
	var wsErr *errors.WorkspaceConflictError
	if !errors.As(err, &wsErr) {
		t.Fatalf("Spawn() error = %v, want WorkspaceConflictError", err)
	}
	if !errors.Is(err, errors.ErrWorkspaceConflict) {
		t.Error("error should wrap ErrWorkspaceConflict")
	}
	if len(f.launcher.started) != 0 {
		t.Error("no worker should start on a workspace conflict")
	}
}

func TestSpawn_DuplicateRegistration(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	reg, err := f.sup.Spawn(ctx, f.task, "100-0")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a workspace removed out from under the engine.
	_ = f.fs.RemoveAll(reg.Workspace)

	if _, err := f.sup.Spawn(ctx, f.task, "100-0"); !errors.Is(err, errors.ErrDuplicateRegistration) {
		t.Errorf("second Spawn() error = %v, want ErrDuplicateRegistration", err)
	}
}

func TestSpawn_StartFailureRemovesWorkspace(t *testing.T) {
	f := newFixture(t, 3)
	f.launcher.failStart = errors.New("exec: not found")

	_, err := f.sup.Spawn(context.Background(), f.task, "100-0")
	var agentErr *errors.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Spawn() error = %v, want AgentError", err)
	}
	if exists, _ := afero.DirExists(f.fs, filepath.Join("/wt", "100", "api")); exists {
		t.Error("workspace should be removed after a failed start")
	}
	if len(f.store.LoadRegistry().Agents) != 0 {
		t.Error("failed spawn must not register an agent")
	}
}

func TestPoll(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	api, _ := f.sup.Spawn(ctx, f.task, "100-0")
	ui, _ := f.sup.Spawn(ctx, f.task, "100-1")

	f.clock.Advance(time.Minute)
	f.writeReport(t, api.Workspace, task.SubtaskInProgress, 40, "writing handler")
	if err := afero.WriteFile(f.fs, progress.Path(ui.Workspace), []byte("status: COMPLETE\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var progressEvents int
	f.bus.Subscribe(event.TypeAgentProgress, func(event.Event) { progressEvents++ })

	statuses, err := f.sup.Poll(ctx, f.task)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(statuses) != 2 || statuses[0].Registration.AgentID != api.AgentID || statuses[1].Registration.AgentID != ui.AgentID {
		t.Fatalf("statuses out of registration order: %+v", statuses)
	}

	apiSub := f.task.Subtask("100-0")
	if apiSub.Status != task.SubtaskInProgress || apiSub.Progress != 40 || apiSub.Activity != "writing handler" {
		t.Errorf("api subtask = %+v", *apiSub)
	}
	if !statuses[0].Registration.LastActivity.Equal(f.clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", statuses[0].Registration.LastActivity, f.clock.Now())
	}

	// A report missing required fields is UNKNOWN, never COMPLETE.
	if uiSub := f.task.Subtask("100-1"); uiSub.Status != task.SubtaskUnknown {
		t.Errorf("ui status = %s, want UNKNOWN", uiSub.Status)
	}
	if statuses[1].Failure() != nil {
		t.Errorf("UNKNOWN while alive is not a failure: %v", statuses[1].Failure())
	}
	if progressEvents != 1 {
		t.Errorf("progress events = %d, want 1", progressEvents)
	}

	regs := f.store.LoadRegistry()
	stored, ok := regs.Find(api.AgentID)
	if !ok {
		t.Fatalf("registration for %s missing", api.AgentID)
	}
	if !stored.LastActivity.Equal(f.clock.Now()) {
		t.Error("poll should persist the advanced activity time")
	}
}

func TestStatusFailure(t *testing.T) {
	reg := store.Registration{AgentID: "api-1", SubtaskID: "1-0", Attempt: 1}
	tests := []struct {
		name   string
		status Status
		want   error
	}{
		{"healthy", Status{Registration: reg, Alive: true, Status: task.SubtaskInProgress}, nil},
		{"complete and exited", Status{Registration: reg, Alive: false, Status: task.SubtaskComplete}, nil},
		{"reported failed", Status{Registration: reg, Alive: true, Status: task.SubtaskFailed}, errors.ErrAgentFailed},
		{"exited early", Status{Registration: reg, Alive: false, Status: task.SubtaskInProgress}, errors.ErrAgentFailed},
		{"stale", Status{Registration: reg, Alive: true, Stale: true, Status: task.SubtaskInProgress}, errors.ErrAgentStale},
		{"complete but stale", Status{Registration: reg, Alive: true, Stale: true, Status: task.SubtaskComplete}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.status.Failure()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Failure() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Failure() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStaleAgentIsRetried(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	first, _ := f.sup.Spawn(ctx, f.task, "100-0")

	f.clock.Advance(11 * time.Minute)
	statuses, err := f.sup.Poll(ctx, f.task)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || !statuses[0].Stale || statuses[0].Registration.AgentID != first.AgentID {
		t.Fatalf("statuses = %+v, want the first agent stale", statuses)
	}

	var staleEvents int
	f.bus.Subscribe(event.TypeAgentStale, func(event.Event) { staleEvents++ })

	next, err := f.sup.Retry(ctx, f.task, statuses[0].Registration, statuses[0].Failure())
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if next.AgentID == first.AgentID || next.Attempt != 2 {
		t.Errorf("replacement = %+v", next)
	}
	if next.SubtaskID != first.SubtaskID || next.Workspace != first.Workspace {
		t.Errorf("replacement should keep subtask and workspace: %+v", next)
	}

	registry := f.store.LoadRegistry()
	if len(registry.Agents) != 1 || registry.Agents[0].AgentID != next.AgentID {
		t.Errorf("registry = %+v, want only the replacement", registry.Agents)
	}
	if len(f.workspaces.attached) != 1 || f.workspaces.attached[0] != "laneway/100/api" {
		t.Errorf("retry should reattach the agent branch, attached = %v", f.workspaces.attached)
	}
	if len(f.task.Errors) != 1 || f.task.Errors[0].Attempt != 1 || f.task.Errors[0].ID == "" {
		t.Errorf("error entries = %+v", f.task.Errors)
	}
	if staleEvents != 1 {
		t.Errorf("stale events = %d, want 1", staleEvents)
	}
	statuses, err = f.sup.Poll(ctx, f.task)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Stale {
		t.Errorf("statuses = %+v, the replacement should not be stale", statuses)
	}
}

func TestRetry_NeverTwoLiveRegistrations(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	first, _ := f.sup.Spawn(ctx, f.task, "100-0")

	var overlap bool
	f.launcher.onStart = func(spec worker.Spec) {
		for _, reg := range f.store.LoadRegistry().Agents {
			if reg.SubtaskID == spec.SubtaskID {
				overlap = true
			}
		}
	}

	f.clock.Advance(time.Second)
	cause := errors.NewAgentError("agent reported FAILED", errors.ErrAgentFailed)
	if _, err := f.sup.Retry(ctx, f.task, first, cause); err != nil {
		t.Fatal(err)
	}
	if overlap {
		t.Error("replacement started while the old registration was live")
	}
}

func TestRetry_ExhaustsExactlyOnce(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	reg, _ := f.sup.Spawn(ctx, f.task, "100-0")
	cause := errors.NewAgentError("worker exited before completing", errors.ErrAgentFailed)

	var exhausted int
	for range 5 {
		registry := f.store.LoadRegistry()
		current, ok := registry.ForSubtask("100-0")
		if !ok {
			break
		}
		reg = *current
		f.clock.Advance(time.Second)
		if _, err := f.sup.Retry(ctx, f.task, reg, cause); errors.Is(err, errors.ErrRetriesExhausted) {
			exhausted++
			if errors.IsRetryable(err) {
				t.Error("exhaustion must not be retryable")
			}
		} else if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
	}

	if exhausted != 1 {
		t.Errorf("ErrRetriesExhausted returned %d times, want 1", exhausted)
	}
	sub := f.task.Subtask("100-0")
	if sub.Status != task.SubtaskFailed || sub.Attempts != 2 {
		t.Errorf("subtask = %+v", *sub)
	}
	if len(f.task.Errors) != 2 || f.task.Errors[0].ID == f.task.Errors[1].ID {
		t.Errorf("error entries = %+v", f.task.Errors)
	}
	if len(f.store.LoadRegistry().Agents) != 0 {
		t.Error("exhausted subtask should have no registration")
	}
}

func TestRetry_FailureAddsRootCause(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	reg, _ := f.sup.Spawn(ctx, f.task, "100-0")

	log := "\x1b[32mrunning tests\x1b[0m\r\n--- FAIL: TestLogin (0.01s)\r\n    login_test.go:12: expected 200, got 500\r\n"
	if err := os.MkdirAll(filepath.Dir(f.sup.LogPath(reg.AgentID)), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.sup.LogPath(reg.AgentID), []byte(log), 0644); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(time.Second)
	cause := errors.NewAgentError("agent reported FAILED", errors.ErrAgentFailed)
	if _, err := f.sup.Retry(ctx, f.task, reg, cause); err != nil {
		t.Fatal(err)
	}
	if len(f.task.Context) != 1 {
		t.Fatalf("context = %v", f.task.Context)
	}
	note := f.task.Context[0]
	if !strings.Contains(note, "api attempt 1 failed") || !strings.Contains(note, "expected 200, got 500") {
		t.Errorf("context note = %q", note)
	}
	if strings.Contains(note, "\x1b") {
		t.Error("context note should not carry terminal escapes")
	}
}

func TestTeardownTask(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	_, _ = f.sup.Spawn(ctx, f.task, "100-0")
	_, _ = f.sup.Spawn(ctx, f.task, "100-1")

	if err := f.sup.TeardownTask(ctx, f.task, true); err != nil {
		t.Fatalf("TeardownTask() error = %v", err)
	}
	if n := len(f.store.LoadRegistry().Agents); n != 0 {
		t.Errorf("registry has %d agents after teardown", n)
	}
	if len(f.launcher.stopped) != 2 {
		t.Errorf("stopped = %v", f.launcher.stopped)
	}
	for _, branch := range []string{"laneway/100/api", "laneway/100/ui"} {
		if f.workspaces.BranchExists(branch) {
			t.Errorf("branch %s should be deleted", branch)
		}
	}
	if exists, _ := afero.DirExists(f.fs, filepath.Join("/wt", "100")); exists {
		t.Error("task worktree directory should be removed")
	}
}

func TestTeardown_ExitedWorkerIsNotSignalled(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	reg, _ := f.sup.Spawn(ctx, f.task, "100-0")
	reg.PID = 4242
	f.launcher.exit(reg.Slot)

	var terminated []int
	f.sup.terminate = func(pid int) { terminated = append(terminated, pid) }

	if err := f.sup.Teardown(ctx, reg, "test"); err != nil {
		t.Fatal(err)
	}
	if len(terminated) != 0 {
		t.Errorf("terminated = %v, a reaped pid must not be signalled", terminated)
	}
}

func TestTeardown_RecoveredWorkerIsSignalledByPID(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	reg, _ := f.sup.Spawn(ctx, f.task, "100-0")
	reg.PID = 4242

	// A new engine process: the launcher never started this slot.
	f.sup.launcher = newFakeLauncher()
	var terminated []int
	f.sup.terminate = func(pid int) { terminated = append(terminated, pid) }

	if err := f.sup.Teardown(ctx, reg, "recovery"); err != nil {
		t.Fatal(err)
	}
	if len(terminated) != 1 || terminated[0] != 4242 {
		t.Errorf("terminated = %v, want [4242]", terminated)
	}
}

func TestRootCause_StripsTerminalCodes(t *testing.T) {
	got := rootCause("\x1b[31m--- FAIL: TestLogin\x1b[0m\r\nok  \texample/api\r\n")
	if !strings.Contains(got, "--- FAIL: TestLogin") {
		t.Errorf("rootCause() = %q, want the failing test line", got)
	}
	if strings.Contains(got, "\x1b") {
		t.Errorf("rootCause() = %q, escape sequences survived", got)
	}
}
