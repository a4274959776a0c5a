package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/waveledger/internal/config"
	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

var (
	initForce bool

	addDescription string
	addDeps        []int64
	addDifficulty  string

	listStatuses  []string
	listOwner     string
	listEscalated bool
	listOpen      bool

	showHistory bool

	cancelActor string

	depsSet   []int64
	depsClear bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a project config and an empty ledger",
	Long: `Write .waveledger.yaml in the current directory and create the ledger
database it points at. An existing config is left alone unless --force is set.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Long: `Add a todo task to the ledger. Every dependency must already exist.
A title that is already in use is accepted with a warning.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var noteCmd = &cobra.Command{
	Use:   "note <id> <text>",
	Short: "Append a note to a task",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runNote,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a task nobody is working on",
	Long: `Cancel a todo, blocked or in-review task. A task in progress must be
released by its owner or force-released first. Tasks that depend on a
cancelled task never become ready.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var depsCmd = &cobra.Command{
	Use:   "deps <id>",
	Short: "Show or replace a task's dependencies",
	Long: `Without flags, print what the task depends on and what depends on it.
--set replaces the dependencies; edits that would form a cycle are rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeps,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing .waveledger.yaml")

	addCmd.Flags().StringVarP(&addDescription, "description", "d", "", "Longer description")
	addCmd.Flags().Int64SliceVar(&addDeps, "deps", nil, "IDs of tasks that must be done first")
	addCmd.Flags().StringVar(&addDifficulty, "difficulty", "", "easy, medium, hard or critical (default medium)")

	listCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Only tasks with these statuses")
	listCmd.Flags().StringVar(&listOwner, "owner", "", "Only tasks owned by this worker")
	listCmd.Flags().BoolVar(&listEscalated, "escalated", false, "Only escalated tasks")
	listCmd.Flags().BoolVar(&listOpen, "open", false, "Hide done and cancelled tasks")

	showCmd.Flags().BoolVar(&showHistory, "history", false, "Print the note audit trail")

	cancelCmd.Flags().StringVar(&cancelActor, "actor", "", "Who is cancelling (default $USER)")

	depsCmd.Flags().Int64SliceVar(&depsSet, "set", nil, "Replace the dependencies with these IDs")
	depsCmd.Flags().BoolVar(&depsClear, "clear", false, "Remove every dependency")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := config.ProjectFile

	if _, err := os.Stat(path); err == nil && !initForce {
		printStatus(out, "-", fmt.Sprintf("%s already exists", path), color.FgYellow)
	} else {
		if err := config.SaveTo(cfg, path); err != nil {
			return err
		}
		printStatus(out, "✓", fmt.Sprintf("Wrote %s", path), color.FgGreen)
	}

	return withApp(cmd.Context(), func(a *app) error {
		printStatus(out, "✓", fmt.Sprintf("Ledger ready at %s", a.store.Path()), color.FgGreen)
		return nil
	})
}

func runAdd(cmd *cobra.Command, args []string) error {
	difficulty, err := models.ParseDifficulty(addDifficulty)
	if err != nil {
		return err
	}
	draft := models.TaskDraft{
		Title:        strings.Join(args, " "),
		Description:  addDescription,
		Dependencies: addDeps,
		Difficulty:   difficulty,
	}

	return withApp(cmd.Context(), func(a *app) error {
		task, err := a.store.Create(cmd.Context(), draft)
		var dup *ledger.DuplicateTitleWarning
		if errors.As(err, &dup) {
			printStatus(cmd.ErrOrStderr(), "!", dup.Error(), color.FgYellow)
		} else if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Created task #%d: %s", task.ID, task.Title), color.FgGreen)
		return nil
	})
}

func runList(cmd *cobra.Command, args []string) error {
	filter := ledger.Filter{Owner: listOwner, EscalatedOnly: listEscalated}
	for _, s := range listStatuses {
		st, err := parseStatus(s)
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	return withApp(cmd.Context(), func(a *app) error {
		tasks, err := ledger.Collect(a.store.List(cmd.Context(), filter))
		if err != nil {
			return err
		}
		if listOpen {
			tasks = slices.DeleteFunc(tasks, func(t *models.Task) bool { return t.Status.Terminal() })
		}
		return printTasks(cmd.OutOrStdout(), tasks)
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		task, err := a.store.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printTask(out, task)

		if !showHistory {
			return nil
		}
		notes, err := a.store.Notes(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nHistory:\n")
		for i, n := range notes {
			fmt.Fprintf(out, "  %d. %s\n", i+1, n)
		}
		return nil
	})
}

func runNote(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	return withApp(cmd.Context(), func(a *app) error {
		if _, err := a.store.AppendNote(cmd.Context(), id, text); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Noted task #%d", id), color.FgGreen)
		return nil
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	actor := cancelActor
	if actor == "" {
		actor = operatorName()
	}
	return withApp(cmd.Context(), func(a *app) error {
		if _, err := a.locks.Cancel(cmd.Context(), id, actor); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✗", fmt.Sprintf("Cancelled task #%d", id), color.FgRed)
		return nil
	})
}

func runDeps(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	return withApp(ctx, func(a *app) error {
		task, err := a.store.Get(ctx, id)
		if err != nil {
			return err
		}

		if depsClear || len(depsSet) > 0 {
			task, err = a.store.SetDependencies(ctx, id, task.UpdatedAt, depsSet)
			if err != nil {
				return err
			}
			printStatus(out, "✓", fmt.Sprintf("Task #%d now depends on %s", id, formatIDs(task.Dependencies)), color.FgGreen)
			return nil
		}

		all, err := ledger.Collect(a.store.List(ctx, ledger.Filter{}))
		if err != nil {
			return err
		}
		var dependents []int64
		for _, t := range all {
			if t.DependsOn(id) {
				dependents = append(dependents, t.ID)
			}
		}
		fmt.Fprintf(out, "Task #%d: %s\n", id, task.Title)
		fmt.Fprintf(out, "  Depends on:   %s\n", formatIDs(task.Dependencies))
		fmt.Fprintf(out, "  Required by:  %s\n", formatIDs(dependents))
		return nil
	})
}

func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
