// Package integration replays the commits of completed subtasks onto a
// task's integration branch, settles trivially mergeable conflicts, opens a
// conflict record for everything else, runs the verification gate and
// finally promotes the result to the protected branch.
//
// Replay happens in a dedicated integration worktree. Stage always starts
// from the task's base commit, so identical agent branches produce
// identical integration content.
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/logging"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/task"
	"github.com/Iron-Ham/laneway/internal/telemetry"
	"github.com/Iron-Ham/laneway/internal/worktree"
)

// Config controls branch naming and the verification gate.
type Config struct {
	WorktreeDir   string
	BranchPrefix  string
	Protected     string
	VerifyCommand string
	VerifyTimeout time.Duration
}

// Result describes a staging pass.
type Result struct {
	Head string
	// Applied counts commits replayed in this pass.
	Applied      int
	AutoResolved []string
	// Conflict is set when staging halted on a conflict that needs a human.
	Conflict *task.ConflictRecord
}

// Resolver stages, verifies and promotes integration branches.
type Resolver struct {
	git   worktree.IntegrationOperations
	store *store.Store
	cfg   Config

	fs      afero.Fs
	bus     *event.Bus
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithBus sets the event bus.
func WithBus(b *event.Bus) Option {
	return func(r *Resolver) { r.bus = b }
}

// WithMetrics records conflicts and verification runs.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver. Conflict reports are written through st.
func New(git worktree.IntegrationOperations, st *store.Store, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{
		git:    git,
		store:  st,
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// step is one commit to replay.
type step struct {
	sub    *task.Subtask
	commit string
}

func (s step) key() string { return s.sub.ID + ":" + s.commit }

// plan lists every commit to replay: COMPLETE, non-skipped subtasks in
// spawn order, each subtask's commits oldest first.
func (r *Resolver) plan(t *task.Task) ([]step, error) {
	var steps []step
	for i := range t.Subtasks {
		sub := &t.Subtasks[i]
		if sub.Skipped || sub.Status != task.SubtaskComplete || sub.Branch == "" {
			continue
		}
		if !r.git.BranchExists(sub.Branch) {
			return nil, errors.NewIntegrationError("agent branch missing", errors.ErrBranchNotFound).WithTask(t.ID).WithCommit(sub.Branch, nil)
		}
		commits, err := r.git.CommitsBetween(t.Integration.BaseCommit, sub.Branch)
		if err != nil {
			return nil, errors.NewIntegrationError("list agent commits", err).WithTask(t.ID)
		}
		for _, c := range commits {
			steps = append(steps, step{sub: sub, commit: c})
		}
	}
	return steps, nil
}

// ensureWorktree creates or reattaches the integration worktree.
func (r *Resolver) ensureWorktree(t *task.Task) error {
	branch := worktree.IntegrationBranch(r.cfg.BranchPrefix, t.ID)
	path := worktree.WorkspacePath(r.cfg.WorktreeDir, t.ID, worktree.IntegrationRole)
	t.Integration.Branch = branch
	t.Integration.Worktree = path

	if _, err := r.fs.Stat(path); err == nil {
		return nil
	}
	if r.git.BranchExists(branch) {
		return r.git.AttachWorkspace(path, branch)
	}
	return r.git.CreateWorkspace(path, branch, t.Integration.BaseCommit)
}

// Stage resets the integration branch to the task base and replays every
// completed subtask's commits. It returns with Result.Conflict set when a
// conflict needs a human; the pick is then left in progress in the
// integration worktree while the branch stays at its last consistent
// commit.
func (r *Resolver) Stage(ctx context.Context, t *task.Task) (Result, error) {
	if t.Integration.BaseCommit == "" {
		return Result{}, errors.NewIntegrationError("task has no base commit", errors.ErrBranchNotFound).WithTask(t.ID)
	}
	if open := t.OpenConflict(); open != nil {
		return Result{}, errors.NewIntegrationError("conflict "+open.ID+" is still open", errors.ErrConflictUnresolved).WithTask(t.ID)
	}
	if err := r.ensureWorktree(t); err != nil {
		return Result{}, errors.NewIntegrationError("prepare integration worktree", err).WithTask(t.ID)
	}
	path := t.Integration.Worktree
	if r.git.IsCherryPickInProgress(path) {
		if err := r.git.AbortCherryPick(path); err != nil {
			return Result{}, errors.NewIntegrationError("abort stale cherry-pick", err).WithTask(t.ID)
		}
	}
	if err := r.git.ResetHard(path, t.Integration.BaseCommit); err != nil {
		return Result{}, errors.NewIntegrationError("reset integration branch", err).WithTask(t.ID)
	}

	t.Integration.Head = t.Integration.BaseCommit
	t.Integration.Applied = nil
	t.Integration.AutoResolved = nil
	t.Integration.Staged = false
	t.Integration.Verified = false
	t.Integration.VerifyOutput = ""

	steps, err := r.plan(t)
	if err != nil {
		return Result{}, err
	}
	r.logger.WithTask(t.ID).Info("staging integration branch",
		"branch", t.Integration.Branch,
		"base", t.Integration.BaseCommit,
		"commits", len(steps))
	return r.replay(ctx, t, steps, 0)
}

// replay applies steps[from:] and marks the task staged when all applied.
func (r *Resolver) replay(ctx context.Context, t *task.Task, steps []step, from int) (Result, error) {
	path := t.Integration.Worktree
	logger := r.logger.WithTask(t.ID)
	res := Result{Head: t.Integration.Head}

	for i := from; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s := steps[i]
		err := r.git.CherryPick(path, s.commit)
		if err != nil {
			var conflict *worktree.CherryPickConflictError
			if !errors.As(err, &conflict) {
				return res, errors.NewIntegrationError("replay commit", err).WithTask(t.ID).WithCommit(s.commit, nil)
			}
			resolutions, ok := r.autoResolve(path, conflict.Files)
			if !ok {
				rec, err := r.openConflict(ctx, t, steps, i, conflict.Files)
				if err != nil {
					return res, err
				}
				res.Conflict = rec
				return res, nil
			}
			if _, err := r.git.ContinueCherryPick(path); err != nil {
				return res, errors.NewIntegrationError("continue cherry-pick", err).WithTask(t.ID).WithCommit(s.commit, conflict.Files)
			}
			for _, rs := range resolutions {
				note := fmt.Sprintf("%s (%s)", rs.File, rs.Rule)
				t.Integration.AutoResolved = append(t.Integration.AutoResolved, note)
				res.AutoResolved = append(res.AutoResolved, note)
			}
			logger.Info("conflict auto-resolved", "commit", s.commit, "subtask_id", s.sub.ID, "files", conflict.Files)
		}

		head, err := r.git.HeadCommit(path)
		if err != nil {
			return res, errors.NewIntegrationError("read integration head", err).WithTask(t.ID)
		}
		t.Integration.Head = head
		t.Integration.Applied = append(t.Integration.Applied, s.key())
		res.Head = head
		res.Applied++
	}

	t.Integration.Staged = true
	logger.Info("integration staged", "head", t.Integration.Head, "applied", len(t.Integration.Applied))
	r.bus.Publish(event.NewIntegrationStagedEvent(t.ID, t.Integration.Head, len(t.Integration.Applied), t.Integration.AutoResolved))
	return res, nil
}

// autoResolve settles every conflicting file or none of them.
func (r *Resolver) autoResolve(path string, files []string) ([]Resolution, bool) {
	if len(files) == 0 {
		return nil, false
	}
	resolutions := make([]Resolution, 0, len(files))
	for _, f := range files {
		st, err := r.git.ConflictStages(path, f)
		if err != nil {
			r.logger.Warn("read conflict stages", "file", f, "error", err.Error())
			return nil, false
		}
		rs, ok := Decide(f, st, r.git.MergeFileUnion)
		if !ok {
			return nil, false
		}
		resolutions = append(resolutions, rs)
	}

	for _, rs := range resolutions {
		if err := r.apply(path, rs); err != nil {
			r.logger.Warn("apply resolution", "file", rs.File, "error", err.Error())
			return nil, false
		}
	}
	return resolutions, true
}

func (r *Resolver) apply(path string, rs Resolution) error {
	if rs.Delete {
		return r.git.RemoveFile(path, rs.File)
	}
	full := filepath.Join(path, filepath.FromSlash(rs.File))
	if err := r.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	if err := afero.WriteFile(r.fs, full, rs.Content, 0644); err != nil {
		return err
	}
	return r.git.StageFile(path, rs.File)
}

// openConflict records the conflict at steps[i] and writes its report.
func (r *Resolver) openConflict(ctx context.Context, t *task.Task, steps []step, i int, files []string) (*task.ConflictRecord, error) {
	s := steps[i]
	rec := task.ConflictRecord{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		State:     task.ConflictOpen,
		OpenedAt:  r.now(),
		SubtaskID: s.sub.ID,
		Commit:    s.commit,
		Head:      t.Integration.Head,
	}

	for _, f := range files {
		// Earlier subtasks whose applied commits touched the file.
		for _, prev := range contributors(steps[:i], s.sub.ID) {
			changed, err := r.git.ChangedFiles(t.Integration.BaseCommit, prev.commit)
			if err != nil || !slices.Contains(changed, f) {
				continue
			}
			rec.Entries = append(rec.Entries, task.ConflictEntry{File: f, AgentID: prev.sub.AgentID, Role: prev.sub.Role, Commit: prev.commit})
		}
		rec.Entries = append(rec.Entries, task.ConflictEntry{File: f, AgentID: s.sub.AgentID, Role: s.sub.Role, Commit: s.commit})
	}

	rec.Description = fmt.Sprintf("Replaying commit %s from %s (subtask %s) onto %s conflicts in %s. No automatic resolution was safe.",
		shortSHA(s.commit), s.sub.Role, s.sub.ID, t.Integration.Branch, strings.Join(files, ", "))
	rec.Steps = []string{
		"cd " + t.Integration.Worktree,
		"edit " + strings.Join(files, ", ") + " and remove the conflict markers, keeping every compatible contribution",
		"optionally finish the pick yourself: git add <files> && git -c core.editor=true cherry-pick --continue",
		"laneway resolve " + t.ID,
	}

	report, err := renderReport(t, &rec)
	if err != nil {
		return nil, fmt.Errorf("render conflict report: %w", err)
	}
	if rec.ReportPath, err = r.store.SaveConflictReport(t.ID, rec.ID, report); err != nil {
		return nil, fmt.Errorf("save conflict report: %w", err)
	}

	t.Conflicts = append(t.Conflicts, rec)
	r.logger.WithTask(t.ID).Warn("integration conflict needs a human",
		"conflict_id", rec.ID,
		"commit", s.commit,
		"files", files,
		"report", rec.ReportPath)
	r.metrics.ConflictOpened(ctx, len(files))
	r.bus.Publish(event.NewConflictOpenedEvent(t.ID, rec.ID, files, rec.ReportPath))
	return &t.Conflicts[len(t.Conflicts)-1], nil
}

// contributors returns the last applied step of every other subtask.
func contributors(applied []step, exclude string) []step {
	last := make(map[string]int)
	var order []string
	for i, s := range applied {
		if s.sub.ID == exclude {
			continue
		}
		if _, seen := last[s.sub.ID]; !seen {
			order = append(order, s.sub.ID)
		}
		last[s.sub.ID] = i
	}
	out := make([]step, 0, len(order))
	for _, id := range order {
		out = append(out, applied[last[id]])
	}
	return out
}

// Resume continues staging after a human resolved the open conflict. The
// flagged files must be free of conflict markers and the index free of
// unmerged entries. A pick still in progress is completed; a commit the
// human made in its place is accepted. When the pick was aborted without a
// commit the record stays open and ErrConflictUnresolved is returned.
func (r *Resolver) Resume(ctx context.Context, t *task.Task) (Result, error) {
	rec := t.OpenConflict()
	if rec == nil {
		return Result{}, errors.NewIntegrationError("no open conflict", errors.ErrConflictUnresolved).WithTask(t.ID)
	}
	path := t.Integration.Worktree
	files := rec.Files()
	unresolved := func(msg string, files []string) error {
		return errors.NewIntegrationError(msg, errors.ErrConflictUnresolved).WithTask(t.ID).WithCommit(rec.Commit, files)
	}

	var marked []string
	for _, f := range files {
		data, err := afero.ReadFile(r.fs, filepath.Join(path, filepath.FromSlash(f)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Result{}, errors.NewIntegrationError("read resolved file", err).WithTask(t.ID)
		}
		if hasConflictMarkers(data) {
			marked = append(marked, f)
		}
	}
	if len(marked) > 0 {
		return Result{}, unresolved("conflict markers remain", marked)
	}

	if r.git.IsCherryPickInProgress(path) {
		for _, f := range files {
			var err error
			if exists, _ := afero.Exists(r.fs, filepath.Join(path, filepath.FromSlash(f))); exists {
				err = r.git.StageFile(path, f)
			} else {
				err = r.git.RemoveFile(path, f)
			}
			if err != nil {
				return Result{}, errors.NewIntegrationError("stage resolved file", err).WithTask(t.ID).WithCommit(rec.Commit, []string{f})
			}
		}
		unmerged, err := r.git.ConflictingFiles(path)
		if err != nil {
			return Result{}, errors.NewIntegrationError("list unmerged files", err).WithTask(t.ID)
		}
		if len(unmerged) > 0 {
			return Result{}, unresolved("unmerged files remain", unmerged)
		}
		if _, err := r.git.ContinueCherryPick(path); err != nil {
			return Result{}, errors.NewIntegrationError("continue cherry-pick", err).WithTask(t.ID).WithCommit(rec.Commit, files)
		}
	} else {
		head, err := r.git.HeadCommit(path)
		if err != nil {
			return Result{}, errors.NewIntegrationError("read integration head", err).WithTask(t.ID)
		}
		if head == rec.Head {
			return Result{}, unresolved("cherry-pick was aborted without a resolution commit", files)
		}
	}

	dirty, err := r.git.HasUncommittedChanges(path)
	if err != nil {
		return Result{}, errors.NewIntegrationError("check integration worktree", err).WithTask(t.ID)
	}
	if dirty {
		return Result{}, unresolved("integration worktree has uncommitted changes", nil)
	}

	head, err := r.git.HeadCommit(path)
	if err != nil {
		return Result{}, errors.NewIntegrationError("read integration head", err).WithTask(t.ID)
	}
	steps, err := r.plan(t)
	if err != nil {
		return Result{}, err
	}
	next := len(steps)
	for i, s := range steps {
		if s.sub.ID == rec.SubtaskID && s.commit == rec.Commit {
			next = i + 1
			break
		}
	}

	// The record stays open until the rest of the replay went through, so a
	// failed replay can be resumed again from the human's commit.
	applied := t.Integration.Applied
	if key := rec.SubtaskID + ":" + rec.Commit; !slices.Contains(applied, key) {
		applied = append(applied, key)
	}
	t.Integration.Head = head
	t.Integration.Applied = applied
	res, err := r.replay(ctx, t, steps, next)
	if err != nil {
		if rerr := r.rewind(path, head); rerr != nil {
			err = errors.Join(err, rerr)
		}
		t.Integration.Head = head
		t.Integration.Applied = applied[:len(applied):len(applied)]
		r.logger.WithTask(t.ID).Warn("replay after conflict failed", "conflict_id", rec.ID, "error", err.Error())
		return Result{}, err
	}

	// A new conflict in the replay grew t.Conflicts; look the record up again.
	id := rec.ID
	for i := range t.Conflicts {
		if t.Conflicts[i].ID == id {
			t.Conflicts[i].State = task.ConflictResolved
			t.Conflicts[i].ResolvedAt = r.now()
		}
	}
	r.logger.WithTask(t.ID).Info("conflict resolved", "conflict_id", id, "head", head)
	r.bus.Publish(event.NewConflictResolvedEvent(t.ID, id))
	res.Applied++
	return res, nil
}

// rewind puts the integration worktree back at head after a failed replay.
func (r *Resolver) rewind(path, head string) error {
	if r.git.IsCherryPickInProgress(path) {
		if err := r.git.AbortCherryPick(path); err != nil {
			return err
		}
	}
	return r.git.ResetHard(path, head)
}

// Discard removes the integration worktree and branch.
func (r *Resolver) Discard(ctx context.Context, t *task.Task) error {
	branch := worktree.IntegrationBranch(r.cfg.BranchPrefix, t.ID)
	path := worktree.WorkspacePath(r.cfg.WorktreeDir, t.ID, worktree.IntegrationRole)
	var errs []error
	if exists, _ := afero.DirExists(r.fs, path); exists && r.git.IsCherryPickInProgress(path) {
		if err := r.git.AbortCherryPick(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.git.RemoveWorkspace(path); err != nil {
		errs = append(errs, err)
	}
	if err := r.git.DeleteBranch(branch); err != nil {
		errs = append(errs, err)
	}
	t.Integration = task.Integration{BaseCommit: t.Integration.BaseCommit}
	return errors.Join(errs...)
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
