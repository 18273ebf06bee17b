package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/hive/internal/store"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Signaller sends interrupts from the board.
type Signaller interface {
	Signal(id, reason string) error
}

// tasksMsg carries the result of a store poll.
type tasksMsg struct {
	tasks []*models.Task
	err   error
	at    time.Time
}

// tickMsg schedules the next poll.
type tickMsg time.Time

// noticeMsg is a one-line status shown in the footer.
type noticeMsg string

// Board is the bubbletea model behind hive board.
type Board struct {
	store   store.Store
	signals Signaller
	refresh time.Duration
	title   string

	panel   *TasksPanel
	spinner spinner.Model
	filter  textinput.Model

	filtering bool
	loading   bool
	lastLoad  time.Time
	err       error
	notice    string
	width     int
	height    int
}

// NewBoard creates a board over s that refreshes every refresh interval.
// title is shown in the header, typically the hive root.
func NewBoard(s store.Store, signals Signaller, refresh time.Duration, title string) *Board {
	if refresh <= 0 {
		refresh = time.Second
	}

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	ti := textinput.New()
	ti.Placeholder = "filter by id, description, tag or status"
	ti.Prompt = "/ "
	ti.CharLimit = 100

	return &Board{
		store:   s,
		signals: signals,
		refresh: refresh,
		title:   title,
		panel:   NewTasksPanel(),
		spinner: spin,
		filter:  ti,
		loading: true,
		width:   100,
		height:  30,
	}
}

// Init starts the spinner and the first poll.
func (b *Board) Init() tea.Cmd {
	return tea.Batch(b.spinner.Tick, b.load())
}

func (b *Board) load() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tasks, err := store.List(ctx, b.store, store.Filter{})
		return tasksMsg{tasks: tasks, err: err, at: time.Now()}
	}
}

func (b *Board) tick() tea.Cmd {
	return tea.Tick(b.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (b *Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		b.width, b.height = msg.Width, msg.Height
		b.panel.SetSize(msg.Width, msg.Height-4)
		b.filter.Width = msg.Width - 6
		return b, nil

	case tasksMsg:
		b.loading = false
		b.err = msg.err
		if msg.err == nil {
			b.panel.SetTasks(msg.tasks)
			b.lastLoad = msg.at
		}
		return b, b.tick()

	case tickMsg:
		b.loading = true
		return b, b.load()

	case noticeMsg:
		b.notice = string(msg)
		return b, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		b.spinner, cmd = b.spinner.Update(msg)
		return b, cmd

	case tea.KeyMsg:
		if b.filtering {
			return b.updateFilter(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return b, tea.Quit
		case "/":
			b.filtering = true
			return b, b.filter.Focus()
		case "esc":
			b.filter.Reset()
			b.panel.SetFilter("")
			return b, nil
		case "x":
			return b, b.interrupt()
		}
		var cmd tea.Cmd
		b.panel, cmd = b.panel.Update(msg)
		return b, cmd
	}
	return b, nil
}

func (b *Board) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		b.filtering = false
		b.filter.Blur()
		return b, nil
	case "esc":
		b.filtering = false
		b.filter.Blur()
		b.filter.Reset()
		b.panel.SetFilter("")
		return b, nil
	case "ctrl+c":
		return b, tea.Quit
	}
	var cmd tea.Cmd
	b.filter, cmd = b.filter.Update(msg)
	b.panel.SetFilter(b.filter.Value())
	return b, cmd
}

// interrupt signals the selected task if a worker holds it.
func (b *Board) interrupt() tea.Cmd {
	t := b.panel.SelectedTask()
	if t == nil || b.signals == nil {
		return nil
	}
	if !t.Status.IsHeld() {
		return func() tea.Msg { return noticeMsg(fmt.Sprintf("%s is %s, nothing to interrupt", t.ID, t.Status)) }
	}
	id := t.ID
	return func() tea.Msg {
		if err := b.signals.Signal(id, "interrupted from board"); err != nil {
			return noticeMsg("signal failed: " + err.Error())
		}
		return noticeMsg("interrupt sent to " + id)
	}
}

// View renders the board.
func (b *Board) View() string {
	var sb strings.Builder
	sb.WriteString(b.header())
	sb.WriteString("\n")
	sb.WriteString(b.panel.View())
	sb.WriteString("\n")
	sb.WriteString(b.footer())
	return sb.String()
}

func (b *Board) header() string {
	counts := make(map[models.TaskStatus]int)
	for _, t := range b.panel.tasks {
		counts[t.Status]++
	}
	parts := []string{noticeStyle.Render("hive") + " " + dimStyle.Render(b.title)}
	for _, s := range []models.TaskStatus{
		models.TaskStatusAvailable, models.TaskStatusClaimed, models.TaskStatusInProgress,
		models.TaskStatusBlocked, models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
	} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", statusIcon(s), n))
		}
	}
	return strings.Join(parts, "  ")
}

func (b *Board) footer() string {
	if b.filtering {
		return b.filter.View()
	}

	var parts []string
	if b.loading {
		parts = append(parts, b.spinner.View())
	}
	if b.err != nil {
		parts = append(parts, failedStyle.Render("refresh failed: "+b.err.Error()))
	} else if !b.lastLoad.IsZero() {
		parts = append(parts, dimStyle.Render("updated "+b.lastLoad.Format("15:04:05")))
	}
	if b.notice != "" {
		parts = append(parts, noticeStyle.Render(b.notice))
	}
	if f := b.filter.Value(); f != "" {
		parts = append(parts, dimStyle.Render("filter: "+f))
	}
	parts = append(parts, dimStyle.Render("j/k move  enter fold  / filter  x interrupt  q quit"))
	return strings.Join(parts, "  ")
}

// Run starts the board in the alternate screen and blocks until the user quits.
func Run(b *Board) error {
	_, err := tea.NewProgram(b, tea.WithAltScreen()).Run()
	return err
}
