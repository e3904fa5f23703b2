package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLaneOverlapError(t *testing.T) {
	err := NewLaneOverlapError("shared/types", "backend", "frontend")

	if !errors.Is(err, ErrLaneOverlap) {
		t.Error("LaneOverlapError should match ErrLaneOverlap")
	}
	if !IsConfigError(err) {
		t.Error("LaneOverlapError should be a config error")
	}
	if IsRetryable(err) {
		t.Error("config errors must not be retryable")
	}

	wrapped := fmt.Errorf("planning: %w", err)
	var overlap *LaneOverlapError
	if !errors.As(wrapped, &overlap) {
		t.Fatal("errors.As failed for wrapped LaneOverlapError")
	}
	if overlap.Path != "shared/types" {
		t.Errorf("Path = %q, want %q", overlap.Path, "shared/types")
	}
	if len(overlap.Roles) != 2 || overlap.Roles[0] != "backend" || overlap.Roles[1] != "frontend" {
		t.Errorf("Roles = %v, want [backend frontend]", overlap.Roles)
	}
	if !strings.Contains(err.Error(), "backend and frontend") {
		t.Errorf("Error() = %q, want both roles named", err.Error())
	}
}

func TestAgentError(t *testing.T) {
	err := NewAgentError("no progress update", ErrAgentStale).
		WithAgent("api-1", "t1-0").
		WithAttempt(2)

	if !IsRetryable(err) {
		t.Error("agent errors should be retryable by default")
	}
	if !errors.Is(err, ErrAgentStale) {
		t.Error("AgentError should unwrap to its cause")
	}

	want := "agent error [agent=api-1, subtask=t1-0, attempt=2]: no progress update: agent stale"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err.WithRetryable(false)
	if IsRetryable(err) {
		t.Error("WithRetryable(false) should disable retry")
	}
	if GetSeverity(err) != SeverityError {
		t.Errorf("GetSeverity() = %v, want error", GetSeverity(err))
	}
}

func TestWorkspaceConflictError(t *testing.T) {
	err := NewWorkspaceConflictError("ui-42", "/tmp/wt/ui-42")
	if !errors.Is(err, ErrWorkspaceConflict) {
		t.Error("should match ErrWorkspaceConflict")
	}
	if !strings.Contains(err.Error(), "agent=ui-42") {
		t.Errorf("Error() = %q, want agent id", err.Error())
	}
}

func TestGitError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *GitError
		want string
	}{
		{
			name: "message only",
			err:  NewGitError("checkout failed", nil),
			want: "git error: checkout failed",
		},
		{
			name: "with branch and output",
			err:  NewGitError("checkout failed", nil).WithBranch("main").WithGitOutput("fatal: nope\n"),
			want: "git error [branch=main]: checkout failed\ngit output: fatal: nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransitionError(t *testing.T) {
	err := NewTransitionError("123", "PENDING", "COMPLETE")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("should match ErrInvalidTransition")
	}
	if !IsUserFacing(err) {
		t.Error("transition errors are user facing")
	}
}

func TestClassification_PlainErrors(t *testing.T) {
	plain := errors.New("boom")
	if IsRetryable(plain) {
		t.Error("plain errors are not retryable")
	}
	if IsUserFacing(plain) {
		t.Error("plain errors are not user facing")
	}
	if GetSeverity(nil) != SeverityInfo {
		t.Error("nil error should be info severity")
	}
	if GetSeverity(plain) != SeverityError {
		t.Error("plain error should be error severity")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	err := Wrapf(ErrMergeConflict, "replay %s", "abc")
	if !errors.Is(err, ErrMergeConflict) {
		t.Error("Wrapf should preserve the chain")
	}
	if err.Error() != "replay abc: merge conflict" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
}
