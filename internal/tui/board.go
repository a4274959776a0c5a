package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/internal/notify"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// Status icons for task states.
const (
	iconPending  = "[○]"
	iconRunning  = "[●]"
	iconWaiting  = "[◐]"
	iconDone     = "[✓]"
	iconFailed   = "[✗]"
	iconReview   = "[?]"
	iconStranded = "[◌]"
)

// Loader reads every task of the ledger.
type Loader func(ctx context.Context) ([]*models.Task, error)

// tasksLoadedMsg carries a fresh read of the ledger.
type tasksLoadedMsg struct {
	tasks []*models.Task
	err   error
	at    time.Time
}

type tickMsg time.Time

// signalMsg is a change notification; the board reloads on it.
type signalMsg notify.Event

// Board is the bubbletea model of the ledger board.
type Board struct {
	load    Loader
	signals <-chan notify.Event
	cancel  func()
	refresh time.Duration

	table  table.Model
	footer *Footer

	tasks    []*models.Task
	showDone bool
	err      error
	loadedAt time.Time
	width    int
	height   int

	titleStyle lipgloss.Style
	errorStyle lipgloss.Style
	dimStyle   lipgloss.Style
}

// NewBoard creates a board that reads through load every refresh interval
// and whenever signals delivers an event. signals may be nil.
func NewBoard(load Loader, signals <-chan notify.Event, refresh time.Duration) *Board {
	if refresh <= 0 {
		refresh = time.Second
	}

	t := table.New(
		table.WithColumns(columns(100)),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("236")).
		Bold(true)
	t.SetStyles(styles)

	return &Board{
		load:    load,
		signals: signals,
		refresh: refresh,
		table:   t,
		footer:  NewFooter(),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("7")),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// NewBoardProgram creates the board and a full-screen program around it.
// Call Close on the board once the program has exited.
func NewBoardProgram(load Loader, signals notify.Subscriber, refresh time.Duration) (*tea.Program, *Board) {
	var ch <-chan notify.Event
	cancel := func() {}
	if signals != nil {
		ch, cancel = signals.Subscribe()
	}
	b := NewBoard(load, ch, refresh)
	b.cancel = cancel
	return tea.NewProgram(b, tea.WithAltScreen()), b
}

// Close ends the notification subscription.
func (b *Board) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

// Init implements tea.Model.
func (b *Board) Init() tea.Cmd {
	return tea.Batch(b.loadCmd(), b.tickCmd(), b.waitSignal())
}

func (b *Board) loadCmd() tea.Cmd {
	return func() tea.Msg {
		tasks, err := b.load(context.Background())
		return tasksLoadedMsg{tasks: tasks, err: err, at: time.Now()}
	}
}

func (b *Board) tickCmd() tea.Cmd {
	return tea.Tick(b.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (b *Board) waitSignal() tea.Cmd {
	if b.signals == nil {
		return nil
	}
	ch := b.signals
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return signalMsg(ev)
	}
}

// Update implements tea.Model.
func (b *Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return b, tea.Quit
		case "r":
			return b, b.loadCmd()
		case "a":
			b.showDone = !b.showDone
			b.rebuild()
			return b, nil
		}

	case tea.WindowSizeMsg:
		b.width = msg.Width
		b.height = msg.Height
		b.table.SetColumns(columns(msg.Width))
		b.table.SetHeight(max(5, msg.Height-6))
		return b, nil

	case tickMsg:
		return b, tea.Batch(b.loadCmd(), b.tickCmd())

	case signalMsg:
		return b, tea.Batch(b.loadCmd(), b.waitSignal())

	case tasksLoadedMsg:
		b.loadedAt = msg.at
		b.err = msg.err
		if msg.err == nil {
			b.tasks = msg.tasks
		}
		b.rebuild()
		return b, nil
	}

	var cmd tea.Cmd
	b.table, cmd = b.table.Update(msg)
	return b, cmd
}

func (b *Board) rebuild() {
	rows, err := Rows(b.tasks, b.showDone)
	if err != nil && b.err == nil {
		b.err = err
	}
	b.table.SetRows(rows)
	b.footer.SetTaskCounts(CountTasks(b.tasks))
}

// View implements tea.Model.
func (b *Board) View() string {
	var s strings.Builder

	title := fmt.Sprintf("waveledger board (%d tasks)", len(b.tasks))
	s.WriteString(b.titleStyle.Render(title))
	if !b.loadedAt.IsZero() {
		s.WriteString(b.dimStyle.Render("  updated " + b.loadedAt.Format("15:04:05")))
	}
	s.WriteString("\n\n")

	s.WriteString(b.table.View())
	s.WriteString("\n")

	if b.err != nil {
		s.WriteString(b.errorStyle.Render("! " + b.err.Error()))
		s.WriteString("\n")
	}

	b.footer.SetShowDone(b.showDone)
	s.WriteString(b.footer.View())
	return s.String()
}

// columns sizes the table to the terminal width.
func columns(width int) []table.Column {
	const fixed = 5 + 6 + 16 + 16 + 12 + 3
	titleWidth := max(20, width-fixed-14)
	return []table.Column{
		{Title: "Wave", Width: 5},
		{Title: "ID", Width: 6},
		{Title: "Status", Width: 16},
		{Title: "Title", Width: titleWidth},
		{Title: "Owner", Width: 16},
		{Title: "Deps", Width: 12},
		{Title: "!", Width: 3},
	}
}

// Rows lays out tasks wave by wave: ready tasks first, then each later wave,
// then stranded tasks, then finished tasks when showDone is set. When the
// dependencies do not form a graph the tasks are listed in ID order with the
// error.
func Rows(tasks []*models.Task, showDone bool) ([]table.Row, error) {
	var rows []table.Row

	g, err := graph.Build(tasks)
	if err != nil {
		for _, t := range tasks {
			if showDone || !t.Status.Terminal() {
				rows = append(rows, row("?", t))
			}
		}
		return rows, err
	}

	for i, wave := range g.Waves() {
		for _, t := range wave {
			rows = append(rows, row(strconv.Itoa(i+1), t))
		}
	}
	for _, t := range g.Stranded() {
		rows = append(rows, row("-", t))
	}
	if showDone {
		for _, t := range tasks {
			if t.Status.Terminal() {
				rows = append(rows, row("", t))
			}
		}
	}
	return rows, nil
}

func row(wave string, t *models.Task) table.Row {
	deps := make([]string, len(t.Dependencies))
	for i, d := range t.Dependencies {
		deps[i] = strconv.FormatInt(d, 10)
	}
	flag := ""
	if t.Escalated {
		flag = "!"
	}
	status := statusIcon(t.Status) + " " + string(t.Status)
	if wave == "-" {
		status = iconStranded + " " + string(t.Status)
	}
	return table.Row{
		wave,
		strconv.FormatInt(t.ID, 10),
		status,
		t.Title,
		t.Owner,
		strings.Join(deps, ","),
		flag,
	}
}

// statusIcon returns the raw status icon for a task.
func statusIcon(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusDone:
		return iconDone
	case models.TaskStatusInProgress:
		return iconRunning
	case models.TaskStatusInReview:
		return iconReview
	case models.TaskStatusBlocked:
		return iconWaiting
	case models.TaskStatusCancelled:
		return iconFailed
	default:
		return iconPending
	}
}
