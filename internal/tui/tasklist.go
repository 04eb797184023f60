package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/agent-coordinator/internal/models"
)

var (
	statusPending   = lipgloss.NewStyle().Foreground(warningColor)
	statusClaimed   = lipgloss.NewStyle().Foreground(secondaryColor)
	statusCompleted = lipgloss.NewStyle().Foreground(successColor)
	statusFailed    = lipgloss.NewStyle().Foreground(errorColor)
)

var filters = []models.TaskStatus{"", models.TaskStatusPending, models.TaskStatusClaimed, models.TaskStatusCompleted, models.TaskStatusFailed}
var filterLabels = []string{"ALL", "PENDING", "CLAIMED", "DONE", "FAILED"}

func (a *App) renderTaskList(height int) string {
	if a.loading && len(a.tasks) == 0 {
		return "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No tasks found.\n"
	}

	var lines []string
	lines = append(lines, "  "+columnStyle.Render(fmt.Sprintf("%-10s  %-8s  %-4s  %-10s  %s", "STATUS", "ID", "PRI", "TYPE", "DESCRIPTION")))
	for i, t := range a.tasks {
		text := fmt.Sprintf("%-8s  %-4d  %-10s  %s", shortID(t.ID), t.Priority, truncate(t.TaskType, 10), taskTitle(t))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("%-10s  %s", statusLabel(t.Status), text)))
		} else {
			lines = append(lines, rowStyle.Render(formatStatus(t.Status)+"  "+text))
		}
	}
	return window(lines, a.selectedIdx+1, height)
}

func taskTitle(t models.Task) string {
	title := t.Description
	if title == "" {
		title = t.TaskType
	}
	title = strings.ReplaceAll(title, "\n", " ")
	if t.ClaimedBy != "" && t.Status == models.TaskStatusClaimed {
		title += " • " + t.ClaimedBy
	}
	return truncate(title, 60)
}

func statusLabel(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return "○ PENDING"
	case models.TaskStatusClaimed:
		return "◐ CLAIMED"
	case models.TaskStatusCompleted:
		return "● DONE"
	case models.TaskStatusFailed:
		return "✗ FAILED"
	default:
		return string(status)
	}
}

func formatStatus(status models.TaskStatus) string {
	label := fmt.Sprintf("%-10s", statusLabel(status))
	switch status {
	case models.TaskStatusPending:
		return statusPending.Render(label)
	case models.TaskStatusClaimed:
		return statusClaimed.Render(label)
	case models.TaskStatusCompleted:
		return statusCompleted.Render(label)
	case models.TaskStatusFailed:
		return statusFailed.Render(label)
	default:
		return label
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
