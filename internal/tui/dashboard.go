// Package tui renders a live dashboard for the daemon: connection state,
// pipeline status and recent classifications.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/moezakura/ai-tab-sorter/internal/pipeline"
	"github.com/moezakura/ai-tab-sorter/internal/storage"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

const historyRows = 12

type tickMsg time.Time

type snapshot struct {
	status    types.ProcessingStatus
	connected bool
	total     int
	history   []types.ClassifiedTab
	apiOK     bool
	apiSeen   bool
}

// DataSource is what the dashboard needs from the running daemon.
type DataSource interface {
	Pipeline() *pipeline.Manager
	Store() *storage.Store
	Connected() bool
}

type Model struct {
	src    DataSource
	port   int
	snap   snapshot
	width  int
	height int
}

func NewModel(src DataSource, port int) Model {
	return Model{src: src, port: port}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh pulls the current state from the daemon.
func (m Model) refresh() tea.Msg {
	snap := snapshot{
		status:    m.src.Pipeline().Status(),
		connected: m.src.Connected(),
	}
	if total, err := m.src.Store().ProcessedTotal(); err == nil {
		snap.total = total
	}
	if history, err := m.src.Store().RecentClassifications(historyRows); err == nil {
		snap.history = history
	}
	if ok, _, found, err := m.src.Store().APIStatus(); err == nil && found {
		snap.apiOK = ok
		snap.apiSeen = true
	}
	return snap
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		return m, tea.Batch(m.refresh, tick())
	case snapshot:
		m.snap = msg
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	catStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Width(24)
)

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ai-tab-sorter"))
	b.WriteString(labelStyle.Render(fmt.Sprintf("  ws://127.0.0.1:%d", m.port)))
	b.WriteString("\n\n")

	if m.snap.connected {
		b.WriteString(okStyle.Render("● extension connected"))
	} else {
		b.WriteString(badStyle.Render("○ waiting for extension"))
	}
	if m.snap.apiSeen {
		b.WriteString("   ")
		if m.snap.apiOK {
			b.WriteString(okStyle.Render("● API reachable"))
		} else {
			b.WriteString(badStyle.Render("○ API unreachable"))
		}
	}
	b.WriteString("\n\n")

	s := m.snap.status
	if s.Active {
		b.WriteString(activeStyle.Render(fmt.Sprintf("processing %d tab(s)", s.Count)))
		b.WriteString(labelStyle.Render(fmt.Sprintf("  in flight: %v  pending: %v", s.ProcessingIDs, s.PendingIDs)))
	} else {
		b.WriteString(labelStyle.Render("idle"))
	}
	b.WriteString(labelStyle.Render("   total classified: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.snap.total)))
	b.WriteString("\n\n")

	b.WriteString(titleStyle.Render("Recent classifications"))
	b.WriteString("\n")
	if len(m.snap.history) == 0 {
		b.WriteString(dimStyle.Render("  (none yet)"))
		b.WriteString("\n")
	}
	for _, entry := range m.snap.history {
		title := entry.Title
		if title == "" {
			title = entry.URL
		}
		maxTitle := m.width - 40
		if maxTitle < 20 {
			maxTitle = 20
		}
		if len(title) > maxTitle {
			title = title[:maxTitle]
		}
		b.WriteString("  ")
		b.WriteString(catStyle.Render(entry.Category))
		b.WriteString(valueStyle.Render(title))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %.0f%%  %s", entry.Confidence*100, entry.ClassifiedAt.Format("15:04:05"))))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q: quit"))
	return b.String()
}
