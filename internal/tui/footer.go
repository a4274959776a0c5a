package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

// TaskCounts holds the count of tasks in each status.
type TaskCounts struct {
	Todo       int
	InProgress int
	Blocked    int
	InReview   int
	Done       int
	Cancelled  int
	Escalated  int
}

// CountTasks tallies tasks by status.
func CountTasks(tasks []*models.Task) TaskCounts {
	var c TaskCounts
	for _, t := range tasks {
		switch t.Status {
		case models.TaskStatusTodo:
			c.Todo++
		case models.TaskStatusInProgress:
			c.InProgress++
		case models.TaskStatusBlocked:
			c.Blocked++
		case models.TaskStatusInReview:
			c.InReview++
		case models.TaskStatusDone:
			c.Done++
		case models.TaskStatusCancelled:
			c.Cancelled++
		}
		if t.Escalated {
			c.Escalated++
		}
	}
	return c
}

// Footer renders the status bar and keyboard hints.
type Footer struct {
	counts   TaskCounts
	showDone bool

	// Styles
	doneStyle      lipgloss.Style
	errorStyle     lipgloss.Style
	warnStyle      lipgloss.Style
	hintStyle      lipgloss.Style
	separatorStyle lipgloss.Style
}

// NewFooter creates a new Footer instance.
func NewFooter() *Footer {
	return &Footer{
		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")).
			Bold(true),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		warnStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		separatorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("236")),
	}
}

// SetTaskCounts updates the task counts for display.
func (f *Footer) SetTaskCounts(counts TaskCounts) {
	f.counts = counts
}

// SetShowDone records whether finished tasks are listed.
func (f *Footer) SetShowDone(show bool) {
	f.showDone = show
}

// View renders the footer.
func (f *Footer) View() string {
	c := f.counts
	parts := []string{
		fmt.Sprintf("%s%d", iconPending, c.Todo),
		fmt.Sprintf("%s%d", iconRunning, c.InProgress),
		fmt.Sprintf("%s%d", iconReview, c.InReview),
		f.doneStyle.Render(fmt.Sprintf("%s%d", iconDone, c.Done)),
	}
	if c.Blocked > 0 {
		parts = append(parts, f.warnStyle.Render(fmt.Sprintf("%s%d", iconWaiting, c.Blocked)))
	}
	if c.Escalated > 0 {
		parts = append(parts, f.errorStyle.Render(fmt.Sprintf("!%d escalated", c.Escalated)))
	}
	if c.Cancelled > 0 {
		parts = append(parts, fmt.Sprintf("%s%d", iconFailed, c.Cancelled))
	}

	sep := f.separatorStyle.Render(" │ ")
	return strings.Join(parts, " ") + sep + f.keyboardHints()
}

func (f *Footer) keyboardHints() string {
	toggle := "a show finished"
	if f.showDone {
		toggle = "a hide finished"
	}
	return f.hintStyle.Render("↑/↓ scroll │ r refresh │ " + toggle + " │ q quit")
}
