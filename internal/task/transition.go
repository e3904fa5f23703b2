package task

import (
	"slices"

	lwerrors "github.com/Iron-Ham/laneway/internal/errors"
)

// State labels the lifecycle state of a task.
type State string

const (
	Pending               State = "PENDING"
	Planning              State = "PLANNING"
	WaitingApproval       State = "WAITING_APPROVAL"
	Active                State = "ACTIVE"
	TestFailed            State = "TEST_FAILED"
	NeedsHumanIntegration State = "NEEDS_HUMAN_INTEGRATION"
	Escalated             State = "ESCALATED"
	Review                State = "REVIEW"
	WaitingFinal          State = "WAITING_FINAL"
	Rejected              State = "REJECTED"
	Complete              State = "COMPLETE"
	Cancelled             State = "CANCELLED"
	Failed                State = "FAILED"
)

// allowedTransitions defines the permitted lifecycle state changes.
var allowedTransitions = map[State][]State{
	Pending:               {Planning, Cancelled},
	Planning:              {WaitingApproval, Cancelled},
	WaitingApproval:       {Active, Planning, Cancelled},
	Active:                {Review, TestFailed, NeedsHumanIntegration, Escalated, Cancelled},
	TestFailed:            {Active, Escalated, Cancelled},
	NeedsHumanIntegration: {Active, Escalated, Cancelled},
	Escalated:             {Active, NeedsHumanIntegration, Cancelled, Failed},
	Review:                {WaitingFinal, Rejected, Failed, NeedsHumanIntegration, Cancelled},
	WaitingFinal:          {Complete, Rejected, Cancelled},
	Rejected:              {Active, Planning},
	Complete:              {},
	Cancelled:             {},
	Failed:                {},
}

// States returns every lifecycle state in declaration order.
func States() []State {
	return []State{
		Pending, Planning, WaitingApproval, Active, TestFailed, NeedsHumanIntegration,
		Escalated, Review, WaitingFinal, Rejected, Complete, Cancelled, Failed,
	}
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == Complete || s == Cancelled || s == Failed
}

// HoldsWorkspaces reports whether agents may own workspaces in state s.
// Cancelling a task in such a state requires the force flag.
func (s State) HoldsWorkspaces() bool {
	switch s {
	case Active, TestFailed, NeedsHumanIntegration, Escalated, Review, WaitingFinal, Rejected:
		return true
	}
	return false
}

// AwaitsHuman reports whether s blocks on an operator decision.
func (s State) AwaitsHuman() bool {
	switch s {
	case WaitingApproval, NeedsHumanIntegration, Escalated, WaitingFinal:
		return true
	}
	return false
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to State) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// ValidateTransition returns a TransitionError when the move is not allowed.
func ValidateTransition(taskID string, from, to State) error {
	if !CanTransition(from, to) {
		return lwerrors.NewTransitionError(taskID, string(from), string(to))
	}
	return nil
}
