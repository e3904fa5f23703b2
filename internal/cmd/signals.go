package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/laneway/internal/controller"
	"github.com/Iron-Ham/laneway/internal/store"
)

// Operator commands never touch task records directly. Each one drops a
// signal into the inbox and the running engine applies it on its next pass.

var (
	submitDescription string
	submitFile        string
	submitHints       []string
	submitSource      string

	rejectReason string
	rejectTarget string

	cancelForce bool

	overrideSubtask string
	overrideAction  string

	replanPlan []string
)

var submitCmd = &cobra.Command{
	Use:   "submit [title]",
	Short: "Queue a task for the engine",
	Long: `Submit queues a task. The description drives planning: paths it
mentions and paths given with --hint decide which lanes get a subtask.`,
	Example: `  laneway submit "Add rate limiting" -d "Throttle api/handlers and surface it in ui/settings"
  laneway submit "Fix login" --file issue.md --hint api/auth`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var approveCmd = &cobra.Command{
	Use:   "approve [task-id]",
	Short: "Approve the current task's plan, review or final promotion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postSignal(cmd, store.Signal{Kind: store.SignalApprove, TaskID: optionalArg(args)})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [task-id]",
	Short: "Send the current task back at an approval gate",
	Long: `Reject returns a task waiting at a gate. At plan approval the task is
replanned. After review, --target decides where it goes: "implementation"
re-runs the agents with the reason as context, "plan" discards the work and
replans, "abandon" fails the task.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch rejectTarget {
		case "", controller.TargetPlan, controller.TargetImplementation, controller.TargetAbandon:
		default:
			return fmt.Errorf("invalid --target %q (want %s, %s or %s)", rejectTarget,
				controller.TargetImplementation, controller.TargetPlan, controller.TargetAbandon)
		}
		return postSignal(cmd, store.Signal{
			Kind:   store.SignalReject,
			TaskID: optionalArg(args),
			Reason: rejectReason,
			Target: rejectTarget,
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a queued or current task",
	Long: `Cancel removes a task. A task whose agents hold workspaces is only
cancelled with --force, which stops the agents and discards their work.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postSignal(cmd, store.Signal{Kind: store.SignalCancel, TaskID: optionalArg(args), Force: cancelForce})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [task-id]",
	Short: "Continue integration after resolving a conflict by hand",
	Long: `Resolve tells the engine the open conflict in the integration worktree
has been fixed and committed. Integration resumes with the remaining agent
commits.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postSignal(cmd, store.Signal{Kind: store.SignalResolve, TaskID: optionalArg(args)})
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override [task-id]",
	Short: "Decide how an escalated task continues",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch overrideAction {
		case controller.ActionRetry, controller.ActionSkip, controller.ActionFail:
		default:
			return fmt.Errorf("invalid --action %q (want %s, %s or %s)", overrideAction,
				controller.ActionRetry, controller.ActionSkip, controller.ActionFail)
		}
		return postSignal(cmd, store.Signal{
			Kind:      store.SignalOverride,
			TaskID:    optionalArg(args),
			SubtaskID: overrideSubtask,
			Action:    overrideAction,
		})
	},
}

var replanCmd = &cobra.Command{
	Use:   "replan [task-id]",
	Short: "Plan the current task again, or replace its plan",
	Long: `Without --plan the task is planned again from the current lane
configuration. Each --plan flag sets one subtask instead; the plan still
may not give two subtasks overlapping paths.`,
	Example: `  laneway replan
  laneway replan --plan api=api/auth,api/session --plan ui=ui/login`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplan,
}

func init() {
	submitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "Task description")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Read the description from a file (- for stdin)")
	submitCmd.Flags().StringSliceVar(&submitHints, "hint", nil, "Path the task is expected to touch (repeatable)")
	submitCmd.Flags().StringVar(&submitSource, "source", "", "Where the task came from (default \"direct\")")

	rejectCmd.Flags().StringVarP(&rejectReason, "reason", "r", "", "Why the work is rejected")
	rejectCmd.Flags().StringVarP(&rejectTarget, "target", "t", "", "After review: implementation, plan or abandon (default implementation)")

	cancelCmd.Flags().BoolVar(&cancelForce, "force", false, "Stop running agents and discard their work")

	overrideCmd.Flags().StringVar(&overrideSubtask, "subtask", "", "Subtask to act on (default: the one that escalated)")
	overrideCmd.Flags().StringVarP(&overrideAction, "action", "a", "", "retry, skip or fail")
	_ = overrideCmd.MarkFlagRequired("action")

	replanCmd.Flags().StringArrayVar(&replanPlan, "plan", nil, "Subtask as role=path[,path...] (repeatable)")

	rootCmd.AddCommand(submitCmd, approveCmd, rejectCmd, cancelCmd, resolveCmd, overrideCmd, replanCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	desc := submitDescription
	if submitFile != "" {
		data, err := readDescription(cmd.InOrStdin(), submitFile)
		if err != nil {
			return err
		}
		desc = data
	}
	title := optionalArg(args)
	if strings.TrimSpace(title) == "" && strings.TrimSpace(desc) == "" {
		return fmt.Errorf("a task needs a title or a description")
	}
	return postSignal(cmd, store.Signal{
		Kind:        store.SignalSubmit,
		Source:      submitSource,
		Title:       title,
		Description: desc,
		Hints:       submitHints,
	})
}

func runReplan(cmd *cobra.Command, args []string) error {
	if len(replanPlan) == 0 {
		return postSignal(cmd, store.Signal{Kind: store.SignalReplan, TaskID: optionalArg(args)})
	}
	plan, err := parsePlan(replanPlan)
	if err != nil {
		return err
	}
	return postSignal(cmd, store.Signal{Kind: store.SignalPlan, TaskID: optionalArg(args), Plan: plan})
}

// parsePlan parses role=path[,path...] subtask flags.
func parsePlan(specs []string) ([]store.PlannedScope, error) {
	plan := make([]store.PlannedScope, 0, len(specs))
	for _, s := range specs {
		role, paths, ok := strings.Cut(s, "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" {
			return nil, fmt.Errorf("invalid --plan %q: want role=path[,path...]", s)
		}
		var scope []string
		for _, p := range strings.Split(paths, ",") {
			if p = strings.TrimSpace(p); p != "" {
				scope = append(scope, p)
			}
		}
		if len(scope) == 0 {
			return nil, fmt.Errorf("invalid --plan %q: no paths for role %s", s, role)
		}
		plan = append(plan, store.PlannedScope{Role: role, Paths: scope})
	}
	return plan, nil
}

func readDescription(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read description from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read description: %w", err)
	}
	return string(data), nil
}

func postSignal(cmd *cobra.Command, sig store.Signal) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	posted, err := env.store.PostSignal(sig)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", sig.Kind, err)
	}
	target := posted.TaskID
	if target == "" {
		target = "current task"
	}
	if sig.Kind == store.SignalSubmit {
		target = "queue"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s signal %s posted for %s\n", posted.Kind, posted.ID, target)
	return nil
}

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
