package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/hive/pkg/models"
)

// TasksPanel displays a scrollable tree of tasks. Children are listed
// under their parent and parents can be collapsed.
type TasksPanel struct {
	tasks        []*models.Task
	byID         map[string]*models.Task
	children     map[string][]*models.Task
	filter       string
	selected     int
	scrollOffset int
	width        int
	height       int
	collapsed    map[string]bool

	visibleItems []visibleItem
}

// visibleItem is one selectable line of the tree.
type visibleItem struct {
	taskID   string
	depth    int
	isParent bool
}

// NewTasksPanel creates a new TasksPanel instance.
func NewTasksPanel() *TasksPanel {
	return &TasksPanel{
		byID:      make(map[string]*models.Task),
		children:  make(map[string][]*models.Task),
		collapsed: make(map[string]bool),
		width:     80,
		height:    20,
	}
}

// SetTasks replaces the displayed tasks, keeping the selection on the
// same task when it still exists.
func (p *TasksPanel) SetTasks(tasks []*models.Task) {
	prev := ""
	if t := p.SelectedTask(); t != nil {
		prev = t.ID
	}

	p.tasks = tasks
	p.byID = make(map[string]*models.Task, len(tasks))
	p.children = make(map[string][]*models.Task)
	for _, t := range tasks {
		p.byID[t.ID] = t
	}
	for _, t := range tasks {
		if _, ok := p.byID[t.ParentID]; ok {
			p.children[t.ParentID] = append(p.children[t.ParentID], t)
		}
	}
	p.buildVisibleItems()
	p.reselect(prev)
}

// SetFilter limits the tree to tasks matching text and their ancestors.
func (p *TasksPanel) SetFilter(text string) {
	p.filter = strings.ToLower(strings.TrimSpace(text))
	p.buildVisibleItems()
	p.reselect("")
}

// SetSize updates the panel dimensions.
func (p *TasksPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
	p.ensureVisible()
}

// SelectedTask returns the task under the cursor, if any.
func (p *TasksPanel) SelectedTask() *models.Task {
	if p.selected < 0 || p.selected >= len(p.visibleItems) {
		return nil
	}
	return p.byID[p.visibleItems[p.selected].taskID]
}

func (p *TasksPanel) reselect(id string) {
	if id != "" {
		for i, item := range p.visibleItems {
			if item.taskID == id {
				p.selected = i
				p.ensureVisible()
				return
			}
		}
	}
	if p.selected >= len(p.visibleItems) {
		p.selected = len(p.visibleItems) - 1
	}
	if p.selected < 0 {
		p.selected = 0
	}
	p.ensureVisible()
}

// buildVisibleItems flattens the tree according to collapse state and filter.
func (p *TasksPanel) buildVisibleItems() {
	p.visibleItems = p.visibleItems[:0]

	keep := p.matching()
	var walk func(t *models.Task, depth int)
	walk = func(t *models.Task, depth int) {
		if keep != nil && !keep[t.ID] {
			return
		}
		kids := p.children[t.ID]
		p.visibleItems = append(p.visibleItems, visibleItem{taskID: t.ID, depth: depth, isParent: len(kids) > 0})
		if p.collapsed[t.ID] {
			return
		}
		for _, c := range kids {
			walk(c, depth+1)
		}
	}

	for _, t := range p.tasks {
		if _, hasParent := p.byID[t.ParentID]; !hasParent {
			walk(t, 0)
		}
	}
}

// matching returns the ids to show under the current filter, or nil when
// there is no filter. Ancestors of a match are kept so the tree stays whole.
func (p *TasksPanel) matching() map[string]bool {
	if p.filter == "" {
		return nil
	}
	keep := make(map[string]bool)
	for _, t := range p.tasks {
		text := strings.ToLower(t.ID + " " + t.Description + " " + t.CapabilityTag + " " + string(t.Status))
		if !strings.Contains(text, p.filter) {
			continue
		}
		for cur := t; cur != nil && !keep[cur.ID]; cur = p.byID[cur.ParentID] {
			keep[cur.ID] = true
		}
	}
	return keep
}

// Update handles navigation keys.
func (p *TasksPanel) Update(msg tea.Msg) (*TasksPanel, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return p, nil
	}

	switch key.String() {
	case "up", "k":
		if p.selected > 0 {
			p.selected--
			p.ensureVisible()
		}
	case "down", "j":
		if p.selected < len(p.visibleItems)-1 {
			p.selected++
			p.ensureVisible()
		}
	case "enter":
		if p.selected >= 0 && p.selected < len(p.visibleItems) {
			item := p.visibleItems[p.selected]
			if item.isParent {
				p.collapsed[item.taskID] = !p.collapsed[item.taskID]
				p.buildVisibleItems()
				p.reselect(item.taskID)
			}
		}
	}
	return p, nil
}

// ensureVisible adjusts scroll offset to keep selected item visible.
func (p *TasksPanel) ensureVisible() {
	visibleRows := p.rows()
	if p.selected < p.scrollOffset {
		p.scrollOffset = p.selected
	} else if p.selected >= p.scrollOffset+visibleRows {
		p.scrollOffset = p.selected - visibleRows + 1
	}
}

func (p *TasksPanel) rows() int {
	// Title, section header and borders.
	if r := p.height - 4; r > 0 {
		return r
	}
	return 1
}

// View renders the task tree.
func (p *TasksPanel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Tasks"))
	b.WriteString("\n")

	if len(p.visibleItems) == 0 {
		if p.filter != "" {
			b.WriteString(normalStyle.Render("  No tasks match " + p.filter))
		} else {
			b.WriteString(normalStyle.Render("  No tasks"))
		}
	} else {
		active, finished := 0, 0
		for _, t := range p.tasks {
			if t.Status.IsTerminal() {
				finished++
			} else {
				active++
			}
		}
		b.WriteString(sectionStyle.Render(fmt.Sprintf(" %d active, %d finished", active, finished)))
		b.WriteString("\n")

		end := min(p.scrollOffset+p.rows(), len(p.visibleItems))
		for i := p.scrollOffset; i < end; i++ {
			b.WriteString(p.renderLine(p.visibleItems[i], i == p.selected))
			if i < end-1 {
				b.WriteString("\n")
			}
		}
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Width(max(p.width-2, 20)).
		Height(max(p.height-2, 3)).
		Render(b.String())
}

func (p *TasksPanel) renderLine(item visibleItem, selected bool) string {
	t := p.byID[item.taskID]
	if t == nil {
		return ""
	}

	prefix := strings.Repeat("   ", item.depth)
	switch {
	case item.isParent && p.collapsed[t.ID]:
		prefix += "▶ "
	case item.isParent:
		prefix += "▼ "
	case item.depth > 0:
		prefix += "└─ "
	default:
		prefix += "  "
	}

	suffix := fmt.Sprintf(" %s p%d", t.CapabilityTag, t.Priority)
	if t.ClaimedBy != "" {
		suffix += fmt.Sprintf(" [%s]", truncate(t.ClaimedBy, 16))
	}
	if item.isParent {
		done := 0
		for _, c := range p.children[t.ID] {
			if c.Status.IsTerminal() {
				done++
			}
		}
		suffix += fmt.Sprintf(" [%d/%d]", done, len(p.children[t.ID]))
	}

	desc := strings.SplitN(t.Description, "\n", 2)[0]
	descWidth := p.width - lipgloss.Width(prefix) - len(suffix) - len(t.ID) - 12
	text := desc
	if item.isParent {
		text = parentStyle.Render(truncate(desc, descWidth))
	} else {
		text = truncate(desc, descWidth)
	}

	line := fmt.Sprintf(" %s%s %s %s%s", prefix, statusIcon(t.Status), dimStyle.Render(t.ID), text, dimStyle.Render(suffix))
	if t.Status == models.TaskStatusFailed {
		if reason := t.MetaString(models.MetaFailureReason); reason != "" {
			line += " " + failedStyle.Render(truncate(reason, max(p.width/3, 20)))
		}
	}

	if selected {
		return selectedStyle.Render(line)
	}
	return normalStyle.Render(line)
}
