package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

// printStatus prints a status message with a colored symbol.
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

func statusColor(s models.TaskStatus) color.Attribute {
	switch s {
	case models.TaskStatusDone:
		return color.FgGreen
	case models.TaskStatusInProgress:
		return color.FgCyan
	case models.TaskStatusBlocked:
		return color.FgYellow
	case models.TaskStatusInReview:
		return color.FgMagenta
	case models.TaskStatusCancelled:
		return color.FgRed
	default:
		return color.FgWhite
	}
}

func formatIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func parseStatus(s string) (models.TaskStatus, error) {
	st := models.TaskStatus(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// printTasks writes one aligned line per task.
func printTasks(w io.Writer, tasks []*models.Task) error {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tOWNER\tDEPS\tTITLE")
	for _, t := range tasks {
		status := color.New(statusColor(t.Status)).Sprint(t.Status)
		if t.Escalated {
			status += "!"
		}
		owner := t.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.ID, status, owner, formatIDs(t.Dependencies), t.Title)
	}
	return tw.Flush()
}

// printTask writes every field of a task.
func printTask(w io.Writer, t *models.Task) {
	fmt.Fprintf(w, "Task #%d: %s\n", t.ID, t.Title)
	fmt.Fprintf(w, "  Status:       %s\n", color.New(statusColor(t.Status)).Sprint(t.Status))
	if t.Owner != "" {
		fmt.Fprintf(w, "  Owner:        %s\n", t.Owner)
	}
	fmt.Fprintf(w, "  Dependencies: %s\n", formatIDs(t.Dependencies))
	fmt.Fprintf(w, "  Difficulty:   %s\n", t.Difficulty)
	fmt.Fprintf(w, "  Created:      %s\n", t.CreatedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "  Updated:      %s\n", t.UpdatedAt.Format(time.RFC3339Nano))
	if t.BlockedAt != nil {
		fmt.Fprintf(w, "  Blocked:      %s ago\n", formatDuration(time.Since(*t.BlockedAt)))
	}
	if t.Escalated {
		fmt.Fprintf(w, "  Escalated:    %s\n", color.RedString("yes"))
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
	if t.Notes != "" {
		fmt.Fprintf(w, "\nNotes:\n")
		for _, line := range strings.Split(strings.TrimRight(t.Notes, "\n"), "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
