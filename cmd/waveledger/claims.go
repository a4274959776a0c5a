package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

var (
	workerID string

	releaseStatus string
	releaseNotes  string

	staleWindow time.Duration

	forceTo       string
	forceExpected string
	forceReason   string
)

var claimCmd = &cobra.Command{
	Use:   "claim <id>",
	Short: "Claim a todo task for a worker",
	Long: `Take ownership of a todo task. The claim fails when the task is already
claimed, a dependency is not done, or the ledger-wide cap on in-progress
tasks is reached.`,
	Args: cobra.ExactArgs(1),
	RunE: runClaim,
}

var releaseCmd = &cobra.Command{
	Use:   "release <id>",
	Short: "Release a claimed task",
	Long: `Move a task you own to done, blocked, in_review, cancelled or back to todo.
Blocked requires --notes describing the blocker.`,
	Args: cobra.ExactArgs(1),
	RunE: runRelease,
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <id>",
	Short: "Record that a worker is still working on a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runHeartbeat,
}

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List in-progress tasks without a recent heartbeat",
	Long: `List in-progress tasks whose last update is older than --window
(default scheduler.stale_after). Listing never releases a task; use
force-release for that.`,
	Args: cobra.NoArgs,
	RunE: runStale,
}

var forceReleaseCmd = &cobra.Command{
	Use:   "force-release <id>",
	Short: "Take a task away from its owner",
	Long: `Move a task to todo or cancelled regardless of who owns it.

Pass --expected with the updated time you saw (from show) so the release fails
if the owner released or heartbeated since. Without it the current value is
used.`,
	Args: cobra.ExactArgs(1),
	RunE: runForceRelease,
}

func init() {
	for _, c := range []*cobra.Command{claimCmd, releaseCmd, heartbeatCmd} {
		c.Flags().StringVarP(&workerID, "worker", "w", "", "Worker id (default $WAVELEDGER_WORKER)")
	}

	releaseCmd.Flags().StringVar(&releaseStatus, "status", string(models.TaskStatusDone), "Status to release to")
	releaseCmd.Flags().StringVar(&releaseNotes, "notes", "", "Notes to append; required for blocked")

	staleCmd.Flags().DurationVar(&staleWindow, "window", 0, "Heartbeat window (default scheduler.stale_after)")

	forceReleaseCmd.Flags().StringVar(&forceTo, "to", string(models.TaskStatusTodo), "todo or cancelled")
	forceReleaseCmd.Flags().StringVar(&forceExpected, "expected", "", "Updated time the operator saw (RFC 3339)")
	forceReleaseCmd.Flags().StringVar(&forceReason, "reason", "", "Why the task is being taken away")
}

func requireWorker() (string, error) {
	w := strings.TrimSpace(workerID)
	if w == "" {
		w = defaultWorker()
	}
	if w == "" {
		return "", fmt.Errorf("no worker id: pass --worker or set WAVELEDGER_WORKER")
	}
	return w, nil
}

func runClaim(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	worker, err := requireWorker()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		task, err := a.locks.Claim(cmd.Context(), id, worker)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "●", fmt.Sprintf("Task #%d claimed by %s: %s", task.ID, worker, task.Title), color.FgCyan)
		return nil
	})
}

func runRelease(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	worker, err := requireWorker()
	if err != nil {
		return err
	}
	final, err := parseStatus(releaseStatus)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		task, err := a.locks.Release(cmd.Context(), id, worker, final, releaseNotes)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Task #%d released as %s", task.ID, task.Status), statusColor(task.Status))
		return nil
	})
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	worker, err := requireWorker()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		task, err := a.locks.Heartbeat(cmd.Context(), id, worker)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task #%d updated %s\n", task.ID, task.UpdatedAt.Format(time.RFC3339Nano))
		return nil
	})
}

func runStale(cmd *cobra.Command, args []string) error {
	window := staleWindow
	if window <= 0 {
		window = cfg.Scheduler.StaleAfter
	}
	return withApp(cmd.Context(), func(a *app) error {
		tasks, err := a.locks.StaleClaims(cmd.Context(), window)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(tasks) == 0 {
			fmt.Fprintf(out, "No claims older than %s.\n", window)
			return nil
		}
		for _, t := range tasks {
			printStatus(out, "◌", fmt.Sprintf("#%d %s (owner %s, quiet for %s, updated %s)",
				t.ID, t.Title, t.Owner, formatDuration(time.Since(t.UpdatedAt)), t.UpdatedAt.Format(time.RFC3339Nano)), color.FgYellow)
		}
		return nil
	})
}

func runForceRelease(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	to, err := parseStatus(forceTo)
	if err != nil {
		return err
	}
	var expected time.Time
	if forceExpected != "" {
		if expected, err = time.Parse(time.RFC3339Nano, forceExpected); err != nil {
			return fmt.Errorf("invalid --expected: %w", err)
		}
	}
	ctx := cmd.Context()

	return withApp(ctx, func(a *app) error {
		if expected.IsZero() {
			cur, err := a.store.Get(ctx, id)
			if err != nil {
				return err
			}
			expected = cur.UpdatedAt
		}
		reason := forceReason
		if reason != "" {
			reason = fmt.Sprintf("%s (by %s)", reason, operatorName())
		}
		task, err := a.locks.ForceRelease(ctx, id, expected, to, reason)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "!", fmt.Sprintf("Task #%d force-released to %s", task.ID, task.Status), color.FgYellow)
		return nil
	})
}
