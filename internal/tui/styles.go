package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/hive/pkg/models"
)

// Status icons.
const (
	iconRunning   = "[●]"
	iconClaimed   = "[◐]"
	iconBlocked   = "[◌]"
	iconDone      = "[✓]"
	iconFailed    = "[✗]"
	iconCancelled = "[-]"
	iconAvailable = "[○]"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("15")).
			Bold(true)

	normalStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	availableStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")) // Gray
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))  // Green
	doneStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("28"))  // Dark green
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // Red
	blockedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // Orange
	sectionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	parentStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
)

func statusIcon(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusAvailable:
		return availableStyle.Render(iconAvailable)
	case models.TaskStatusClaimed:
		return runningStyle.Render(iconClaimed)
	case models.TaskStatusInProgress:
		return runningStyle.Render(iconRunning)
	case models.TaskStatusBlocked:
		return blockedStyle.Render(iconBlocked)
	case models.TaskStatusCompleted:
		return doneStyle.Render(iconDone)
	case models.TaskStatusFailed:
		return failedStyle.Render(iconFailed)
	case models.TaskStatusCancelled:
		return dimStyle.Render(iconCancelled)
	default:
		return availableStyle.Render(iconAvailable)
	}
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
