package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	iexec "github.com/ShayCichocki/waveledger/internal/exec"
	"github.com/ShayCichocki/waveledger/internal/orchestrator"
)

var (
	blockedEscalated bool

	unblockCheck   string
	unblockTimeout time.Duration
	unblockResolve bool
	unblockNote    string

	escalateReason string
)

var blockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List blocked tasks and the work they hold up",
	Args:  cobra.NoArgs,
	RunE:  runBlocked,
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <id>",
	Short: "Check whether a blocked task can go back to todo",
	Long: `Decide whether a blocked task's blocker is gone.

With --check the command runs through sh -c with the task in WAVELEDGER_TASK_*
environment variables; exit 0 means resolved. With --resolve the operator
declares it resolved. Otherwise the note is recorded and the task stays
blocked. A resolved task returns to todo, unowned and no longer escalated.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnblock,
}

var escalateCmd = &cobra.Command{
	Use:   "escalate <id>",
	Short: "Flag a blocked task for operator attention",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalate,
}

func init() {
	blockedCmd.Flags().BoolVar(&blockedEscalated, "escalated", false, "Only escalated tasks")

	unblockCmd.Flags().StringVar(&unblockCheck, "check", "", "Shell command whose exit status decides")
	unblockCmd.Flags().DurationVar(&unblockTimeout, "timeout", time.Minute, "Time limit for --check")
	unblockCmd.Flags().BoolVar(&unblockResolve, "resolve", false, "Declare the blocker resolved")
	unblockCmd.Flags().StringVar(&unblockNote, "note", "", "Note to record with the decision")

	escalateCmd.Flags().StringVar(&escalateReason, "reason", "", "Why the task needs attention")
}

func runBlocked(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	return withApp(ctx, func(a *app) error {
		r := orchestrator.NewResolver(a.store)
		tasks, err := r.ListBlocked(ctx)
		if err != nil {
			return err
		}

		shown := 0
		for _, t := range tasks {
			if blockedEscalated && !t.Escalated {
				continue
			}
			shown++

			symbol, attr := "◐", color.FgYellow
			if t.Escalated {
				symbol, attr = "!", color.FgRed
			}
			since := ""
			if t.BlockedAt != nil {
				since = fmt.Sprintf(", blocked %s ago", formatDuration(time.Since(*t.BlockedAt)))
			}
			printStatus(out, symbol, fmt.Sprintf("#%d %s (owner %s%s)", t.ID, t.Title, ownerOrNone(t.Owner), since), attr)

			impact, err := r.Impact(ctx, t.ID)
			if err != nil {
				return err
			}
			if len(impact) > 0 {
				fmt.Fprintf(out, "    holds up: %s\n", formatIDs(impact))
			}
			if t.Notes != "" {
				fmt.Fprintf(out, "    %s\n", lastLine(t.Notes))
			}
		}
		if shown == 0 {
			fmt.Fprintln(out, "No blocked tasks.")
		}
		return nil
	})
}

func runUnblock(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	var check orchestrator.BlockerCheck = orchestrator.ManualCheck{Resolved: unblockResolve, Note: unblockNote}
	if unblockCheck != "" {
		check = orchestrator.CommandCheck{
			Command: unblockCheck,
			Timeout: unblockTimeout,
			Runner:  iexec.NewRunner(),
		}
	}

	return withApp(cmd.Context(), func(a *app) error {
		res, task, err := orchestrator.NewResolver(a.store).AttemptUnblock(cmd.Context(), id, check)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res == orchestrator.Resolved {
			printStatus(out, "○", fmt.Sprintf("Task #%d is back in todo", task.ID), color.FgGreen)
		} else {
			printStatus(out, "◐", fmt.Sprintf("Task #%d is still blocked: %s", task.ID, lastLine(task.Notes)), color.FgYellow)
		}
		return nil
	})
}

func runEscalate(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		task, err := orchestrator.NewResolver(a.store).Escalate(cmd.Context(), id, escalateReason)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "!", fmt.Sprintf("Task #%d escalated", task.ID), color.FgRed)
		return nil
	})
}

func ownerOrNone(owner string) string {
	if owner == "" {
		return "none"
	}
	return owner
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && s[end-1] == '\n' {
		end--
	}
	for i := end - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1 : end]
		}
	}
	return s[:end]
}
