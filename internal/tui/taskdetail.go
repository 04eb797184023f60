package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/agent-coordinator/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

func renderTaskDetail(t *models.Task, now time.Time) string {
	var b strings.Builder

	title := t.Description
	if title == "" {
		title = t.TaskType
	}
	b.WriteString(headerStyle.Render(title) + "\n\n")

	field := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-12s", label)) + valueStyle.Render(value) + "\n")
	}

	field("ID", t.ID)
	field("Type", t.TaskType)
	b.WriteString(labelStyle.Render(fmt.Sprintf("%-12s", "Status")) + formatStatus(t.Status) + "\n")
	field("Priority", fmt.Sprintf("%d", t.Priority))
	field("Created", t.CreatedAt.Local().Format(time.DateTime))
	field("Claimed by", t.ClaimedBy)
	if t.ClaimedAt != nil {
		field("Claimed", fmt.Sprintf("%s (%s ago)", t.ClaimedAt.Local().Format(time.DateTime), now.Sub(*t.ClaimedAt).Round(time.Second)))
	}
	if t.Deadline != nil {
		field("Deadline", t.Deadline.Local().Format(time.DateTime))
	}
	if t.CompletedAt != nil {
		field("Completed", t.CompletedAt.Local().Format(time.DateTime))
	}
	if len(t.DependsOn) > 0 {
		field("Depends on", strings.Join(t.DependsOn, ", "))
	}

	if t.ErrorCode != "" || t.ErrorMessage != "" {
		b.WriteString(sectionStyle.Render("Error") + "\n")
		field("Code", t.ErrorCode)
		field("Message", t.ErrorMessage)
	}
	if len(t.InputData) > 0 {
		b.WriteString(sectionStyle.Render("Input") + "\n")
		b.WriteString(prettyJSON(t.InputData) + "\n")
	}
	if len(t.Result) > 0 {
		b.WriteString(sectionStyle.Render("Result") + "\n")
		b.WriteString(prettyJSON(t.Result) + "\n")
	}
	return b.String()
}

func prettyJSON(raw json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "  ", "  "); err != nil {
		return "  " + string(raw)
	}
	return "  " + out.String()
}
