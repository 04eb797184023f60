// Package tui provides a read-only terminal dashboard over the coordinator's
// HTTP API: tasks, locks and the audit log.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/agent-coordinator/internal/controlplane"
	"github.com/fentz26/agent-coordinator/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Background(secondaryColor).
			Bold(true).
			Padding(0, 1)

	columnStyle = lipgloss.NewStyle().Bold(true).Foreground(cyanColor)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

// DefaultRefresh is how often the dashboard polls the daemon.
const DefaultRefresh = 2 * time.Second

// Source is the read side of the coordinator API the dashboard renders.
// *controlplane.Client satisfies it.
type Source interface {
	Health(ctx context.Context) (*controlplane.HealthResponse, error)
	Tasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	Task(ctx context.Context, id string) (*models.Task, error)
	Locks(ctx context.Context) ([]models.Lock, error)
	AuditLog(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error)
}

type view int

const (
	viewTasks view = iota
	viewLocks
	viewAudit
	viewDetail
)

var tabNames = []string{"Tasks", "Locks", "Audit"}

// auditPageSize bounds how many audit rows one refresh pulls.
const auditPageSize = 200

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Tab     key.Binding
	Filter  key.Binding
	Open    key.Binding
	Back    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Tab, k.Filter, k.Open, k.Back, k.Refresh, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Tab:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next view")),
	Filter:  key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "filter")),
	Open:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "details")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// App is the dashboard model.
type App struct {
	src     Source
	refresh time.Duration
	now     func() time.Time

	mode        view
	tasks       []models.Task
	locks       []models.Lock
	audit       []models.AuditEntry
	selectedIdx int
	filterIdx   int
	currentTask *models.Task

	online  bool
	version string
	message string
	loading bool

	viewport viewport.Model
	help     help.Model
	width    int
	height   int
}

// New creates a dashboard reading from src. A non-positive refresh uses
// DefaultRefresh.
func New(src Source, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &App{
		src:      src,
		refresh:  refresh,
		now:      time.Now,
		viewport: viewport.New(80, 20),
		help:     help.New(),
		width:    80,
		height:   24,
	}
}

// Run starts the dashboard and blocks until the user quits or ctx ends.
func (a *App) Run(ctx context.Context) error {
	p := tea.NewProgram(a, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.checkDaemon(), a.fetchCurrent(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		a.viewport.Height = a.contentHeight()
		a.help.Width = msg.Width

	case healthMsg:
		a.online = msg.online
		a.version = msg.version

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		a.clampSelection()

	case locksLoadedMsg:
		a.loading = false
		a.locks = msg.locks
		a.clampSelection()

	case auditLoadedMsg:
		a.loading = false
		a.audit = msg.entries
		a.clampSelection()

	case taskLoadedMsg:
		if msg.task == nil {
			a.message = "Task no longer exists"
			a.mode = viewTasks
			return a, a.fetchTasks()
		}
		a.currentTask = msg.task
		a.viewport.SetContent(renderTaskDetail(msg.task, a.now()))

	case tickMsg:
		return a, tea.Batch(a.checkDaemon(), a.fetchCurrent(), a.tickCmd())

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, keys.Back):
		if a.mode == viewDetail {
			a.mode = viewTasks
			a.currentTask = nil
			return a, a.fetchTasks()
		}

	case key.Matches(msg, keys.Tab):
		if a.mode == viewDetail {
			a.currentTask = nil
		}
		a.mode = nextTab(a.mode)
		a.selectedIdx = 0
		a.message = ""
		return a, a.fetchCurrent()

	case key.Matches(msg, keys.Filter):
		if a.mode == viewTasks {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			a.selectedIdx = 0
			return a, a.fetchTasks()
		}

	case key.Matches(msg, keys.Refresh):
		return a, tea.Batch(a.checkDaemon(), a.fetchCurrent())

	case key.Matches(msg, keys.Open):
		if a.mode == viewTasks && len(a.tasks) > 0 {
			a.mode = viewDetail
			a.viewport.SetContent("Loading...")
			a.viewport.GotoTop()
			return a, a.fetchTask(a.tasks[a.selectedIdx].ID)
		}

	case key.Matches(msg, keys.Up):
		if a.mode == viewDetail {
			a.viewport.LineUp(1)
		} else if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case key.Matches(msg, keys.Down):
		if a.mode == viewDetail {
			a.viewport.LineDown(1)
		} else if a.selectedIdx < a.rowCount()-1 {
			a.selectedIdx++
		}
	}
	return a, nil
}

func nextTab(v view) view {
	switch v {
	case viewTasks:
		return viewLocks
	case viewLocks:
		return viewAudit
	default:
		return viewTasks
	}
}

func (a *App) rowCount() int {
	switch a.mode {
	case viewTasks:
		return len(a.tasks)
	case viewLocks:
		return len(a.locks)
	case viewAudit:
		return len(a.audit)
	}
	return 0
}

func (a *App) clampSelection() {
	if n := a.rowCount(); a.selectedIdx >= n {
		a.selectedIdx = max(0, n-1)
	}
}

func (a *App) contentHeight() int {
	h := a.height - 7
	if h < 5 {
		h = 5
	}
	return h
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.online {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("Agent Coordinator") + "  " + daemon
	if a.version != "" {
		header += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render(a.version)
	}
	b.WriteString(header + "\n")
	b.WriteString(a.renderTabs() + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	height := a.contentHeight()
	switch a.mode {
	case viewTasks:
		label := fmt.Sprintf(" Filter: [%s]", filterLabels[a.filterIdx])
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(label) + "\n")
		b.WriteString(a.renderTaskList(height - 1))
	case viewLocks:
		b.WriteString(a.renderLocks(height))
	case viewAudit:
		b.WriteString(a.renderAudit(height))
	case viewDetail:
		b.WriteString(a.viewport.View())
	}

	if a.message != "" {
		style := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + style.Render(a.message))
	}
	b.WriteString("\n")
	b.WriteString(statusBarStyle.Width(a.width).Render(a.help.View(keys)))
	return b.String()
}

func (a *App) renderTabs() string {
	active := a.mode
	if active == viewDetail {
		active = viewTasks
	}
	tabs := make([]string, len(tabNames))
	for i, name := range tabNames {
		if view(i) == active {
			tabs[i] = activeTabStyle.Render(name)
		} else {
			tabs[i] = tabStyle.Render(name)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (a *App) renderLocks(height int) string {
	if len(a.locks) == 0 {
		return "\n  No active locks.\n"
	}
	var lines []string
	lines = append(lines, "  "+columnStyle.Render(fmt.Sprintf("%-40s  %-20s  %s", "KEY", "HOLDER", "EXPIRES IN")))
	now := a.now()
	for i, l := range a.locks {
		remaining := l.ExpiresAt.Sub(now)
		ttl := lipgloss.NewStyle().Foreground(successColor)
		if remaining < time.Minute {
			ttl = lipgloss.NewStyle().Foreground(warningColor)
		}
		if remaining < 30*time.Second {
			ttl = lipgloss.NewStyle().Foreground(errorColor)
		}
		text := fmt.Sprintf("%-40s  %-20s  ", truncate(l.Key, 40), truncate(l.Holder, 20))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(text+formatDuration(remaining)))
		} else {
			lines = append(lines, rowStyle.Render(text+ttl.Render(formatDuration(remaining))))
		}
	}
	return window(lines, a.selectedIdx+1, height)
}

func (a *App) renderAudit(height int) string {
	if len(a.audit) == 0 {
		return "\n  No audit entries.\n"
	}
	var lines []string
	lines = append(lines, "  "+columnStyle.Render(fmt.Sprintf("%-8s  %-16s  %-18s  %-8s  %s", "TIME", "ACTOR", "OPERATION", "DECISION", "OUTCOME / TARGET")))
	for i, e := range a.audit {
		decision := lipgloss.NewStyle().Foreground(successColor)
		if e.Decision == models.DecisionDenied {
			decision = lipgloss.NewStyle().Foreground(errorColor)
		}
		detail := e.Outcome
		if e.Decision == models.DecisionDenied {
			detail = e.Reason
		}
		if e.Target != "" {
			detail += " " + e.Target
		}
		prefix := fmt.Sprintf("%-8s  %-16s  %-18s  ",
			e.Timestamp.Local().Format("15:04:05"), truncate(e.Actor, 16), e.Operation)
		suffix := "  " + truncate(detail, 60)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(prefix+fmt.Sprintf("%-8s", e.Decision)+suffix))
		} else {
			lines = append(lines, rowStyle.Render(prefix+decision.Render(fmt.Sprintf("%-8s", e.Decision))+suffix))
		}
	}
	return window(lines, a.selectedIdx+1, height)
}

// window keeps the header row and scrolls the rest around the selection.
func window(lines []string, selected, height int) string {
	if len(lines) <= height || height < 2 {
		return strings.Join(lines, "\n")
	}
	head, body := lines[0], lines[1:]
	rows := height - 1
	start := selected - 1 - rows/2
	if start < 0 {
		start = 0
	}
	end := start + rows
	if end > len(body) {
		end = len(body)
		start = max(0, end-rows)
	}
	return strings.Join(append([]string{head}, body[start:end]...), "\n")
}

func (a *App) fetchCurrent() tea.Cmd {
	switch a.mode {
	case viewLocks:
		return a.fetchLocks()
	case viewAudit:
		return a.fetchAudit()
	case viewDetail:
		if a.currentTask != nil {
			return a.fetchTask(a.currentTask.ID)
		}
		return nil
	default:
		return a.fetchTasks()
	}
}

func (a *App) fetchTasks() tea.Cmd {
	a.loading = true
	status := filters[a.filterIdx]
	return func() tea.Msg {
		tasks, err := a.src.Tasks(context.Background(), status)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchTask(id string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.src.Task(context.Background(), id)
		if err != nil {
			return errMsg{err}
		}
		return taskLoadedMsg{task}
	}
}

func (a *App) fetchLocks() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		locks, err := a.src.Locks(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return locksLoadedMsg{locks}
	}
}

func (a *App) fetchAudit() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		entries, err := a.src.AuditLog(context.Background(), models.AuditFilter{Limit: auditPageSize})
		if err != nil {
			return errMsg{err}
		}
		return auditLoadedMsg{entries}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		resp, err := a.src.Health(context.Background())
		if err != nil || resp == nil {
			return healthMsg{}
		}
		return healthMsg{online: resp.OK, version: resp.Version}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "EXPIRED"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

type errMsg struct {
	err error
}

type healthMsg struct {
	online  bool
	version string
}

type tasksLoadedMsg struct {
	tasks []models.Task
}

type taskLoadedMsg struct {
	task *models.Task
}

type locksLoadedMsg struct {
	locks []models.Lock
}

type auditLoadedMsg struct {
	entries []models.AuditEntry
}

type tickMsg time.Time
