package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/task"
)

// maxVerifyOutput bounds the verification output kept on the task. The
// tail is kept because failures are usually reported last.
const maxVerifyOutput = 64 * 1024

// Verification is the outcome of a verification run.
type Verification struct {
	Passed   bool
	Output   string
	Duration time.Duration
}

// Finalize runs the verification command through "sh -c" in the
// integration worktree and records the captured output on the task. A
// failing or timed-out command returns an IntegrationError wrapping
// ErrVerificationFailed. An empty command passes.
func (r *Resolver) Finalize(ctx context.Context, t *task.Task) (Verification, error) {
	if !t.Integration.Staged {
		return Verification{}, errors.NewIntegrationError("integration branch is not staged", errors.ErrConflictUnresolved).WithTask(t.ID)
	}
	if r.cfg.VerifyCommand == "" {
		t.Integration.Verified = true
		t.Integration.VerifyOutput = ""
		return Verification{Passed: true}, nil
	}

	start := r.now()
	output, runErr := runVerify(ctx, t.Integration.Worktree, r.cfg.VerifyCommand, r.cfg.VerifyTimeout, t.ID)
	v := Verification{Passed: runErr == nil, Output: tail(output, maxVerifyOutput), Duration: r.now().Sub(start)}

	t.Integration.Verified = v.Passed
	t.Integration.VerifyOutput = v.Output
	r.metrics.Verified(ctx, v.Passed, v.Duration)
	r.bus.Publish(event.NewVerificationEvent(t.ID, v.Passed, v.Duration))

	logger := r.logger.WithTask(t.ID)
	if !v.Passed {
		logger.Warn("verification failed", "command", r.cfg.VerifyCommand, "error", runErr.Error(), "duration", v.Duration)
		return v, errors.NewIntegrationError("verification failed: "+runErr.Error(), errors.ErrVerificationFailed).WithTask(t.ID).WithCommit(t.Integration.Head, nil)
	}
	logger.Info("verification passed", "duration", v.Duration)
	return v, nil
}

// runVerify runs command in its own process group so a timeout kills every
// child it started.
func runVerify(ctx context.Context, dir, command string, timeout time.Duration, taskID string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LANEWAY_TASK_ID="+taskID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("timed out after %s", timeout)
	}
	return out.String(), err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Promote moves the protected branch to the integration head. The move
// must be a fast-forward. If the protected branch is checked out in some
// worktree it is fast-forwarded there so that worktree's files follow;
// otherwise the ref is updated only if it still points where it did when
// checked.
func (r *Resolver) Promote(ctx context.Context, t *task.Task) (string, error) {
	if !t.Integration.Staged {
		return "", errors.NewIntegrationError("integration branch is not staged", errors.ErrConflictUnresolved).WithTask(t.ID)
	}
	head := t.Integration.Head
	protected := r.cfg.Protected

	tip, err := r.git.ResolveRef(protected)
	if err != nil {
		return "", errors.NewIntegrationError("resolve protected branch", err).WithTask(t.ID)
	}
	ok, err := r.git.IsAncestor(tip, head)
	if err != nil {
		return "", errors.NewIntegrationError("compare protected branch", err).WithTask(t.ID)
	}
	if !ok {
		return "", errors.NewIntegrationError(protected+" moved since the task started", errors.ErrNotFastForward).WithTask(t.ID).WithCommit(head, nil)
	}

	path, checkedOut, err := r.git.WorkspaceForBranch(protected)
	if err != nil {
		return "", errors.NewIntegrationError("locate protected branch", err).WithTask(t.ID)
	}
	if checkedOut {
		err = r.git.MergeFastForward(path, head)
	} else {
		err = r.git.UpdateBranch(protected, head, tip)
	}
	if err != nil {
		return "", errors.NewIntegrationError("promote integration branch", err).WithTask(t.ID).WithCommit(head, nil)
	}

	r.logger.WithTask(t.ID).Info("protected branch promoted", "branch", protected, "from", tip, "to", head)
	return head, nil
}
