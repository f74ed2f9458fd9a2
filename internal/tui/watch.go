// Package tui renders the live watch view for a running scheduler. It uses
// bubbletea's Elm-style loop: the model polls the supervisor and journal on
// a tick, and View renders the snapshot with lipgloss.
package tui

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/the-loom/internal/backlog"
	"github.com/kingrea/the-loom/internal/logbook"
	"github.com/kingrea/the-loom/internal/supervisor"
	"github.com/kingrea/the-loom/internal/worker"
)

const refreshInterval = time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)

	statusStyles = map[worker.State]lipgloss.Style{
		worker.StatePending:   lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		worker.StateRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		worker.StateCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("35")),
		worker.StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
		worker.StateTimedOut:  lipgloss.NewStyle().Foreground(lipgloss.Color("172")),
		worker.StateKilled:    lipgloss.NewStyle().Foreground(lipgloss.Color("124")),
	}

	statusGlyphs = map[worker.State]string{
		worker.StatePending:   "…",
		worker.StateRunning:   "▶",
		worker.StateCompleted: "✓",
		worker.StateFailed:    "✗",
		worker.StateTimedOut:  "⏱",
		worker.StateKilled:    "☠",
	}
)

// isTTY reports whether styled output makes sense for this session.
func isTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return true
}

// RenderState formats a worker state with its glyph, styled when the
// session supports color. Shared with the plain `loom status` output.
func RenderState(state worker.State) string {
	glyph := statusGlyphs[state]
	text := fmt.Sprintf("%s %s", glyph, state)
	if !isTTY() {
		return text
	}
	if style, ok := statusStyles[state]; ok {
		return style.Render(text)
	}
	return text
}

type tickMsg time.Time

type refreshMsg struct {
	workers []worker.Snapshot
	items   []backlog.Item
	journal []string
	err     error
}

// Model is the watch-view state.
type Model struct {
	store   *backlog.Store
	sup     *supervisor.Supervisor
	journal *logbook.Logbook

	spin     spinner.Model
	workers  []worker.Snapshot
	items    []backlog.Item
	tail     []string
	lastErr  error
	quitting bool
}

// NewModel builds the watch model. journal may be nil.
func NewModel(store *backlog.Store, sup *supervisor.Supervisor, journal *logbook.Logbook) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	return Model{store: store, sup: sup, journal: journal, spin: sp}
}

// Run starts the watch loop and blocks until the user quits.
func Run(store *backlog.Store, sup *supervisor.Supervisor, journal *logbook.Logbook) error {
	_, err := tea.NewProgram(NewModel(store, sup, journal)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick(), m.spin.Tick)
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Msg {
	msg := refreshMsg{workers: m.sup.Snapshot()}
	sort.Slice(msg.workers, func(i, j int) bool {
		return msg.workers[i].ItemID < msg.workers[j].ItemID
	})
	items, err := m.store.Items()
	if err != nil {
		msg.err = err
	} else {
		msg.items = items
	}
	if m.journal != nil {
		msg.journal = m.journal.Tail(8)
	}
	return msg
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.refresh, tick())
	case refreshMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.workers = msg.workers
		m.items = msg.items
		m.tail = msg.journal
		m.lastErr = nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	b.WriteString(titleStyle.Render("loom watch"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Workers"))
	b.WriteString("\n")
	if len(m.workers) == 0 {
		b.WriteString(dimStyle.Render("  none yet"))
		b.WriteString("\n")
	}
	for _, w := range m.workers {
		name := w.PersonalName
		if name == "" {
			name = w.ID
		}
		marker := " "
		if w.State == worker.StateRunning && isTTY() {
			marker = m.spin.View()
		}
		fmt.Fprintf(&b, " %s %-24s %-6s %s\n", marker, name, w.ItemID, RenderState(w.State))
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Backlog"))
	b.WriteString("\n")
	counts := map[backlog.Status]int{}
	for _, item := range m.items {
		counts[item.Status]++
	}
	fmt.Fprintf(&b, "  %d items: %d open, %d in progress, %d blocked, %d complete\n",
		len(m.items),
		counts[backlog.StatusNotStarted],
		counts[backlog.StatusInProgress],
		counts[backlog.StatusBlocked],
		counts[backlog.StatusComplete])

	if len(m.tail) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("Journal"))
		b.WriteString("\n")
		for _, line := range m.tail {
			b.WriteString(dimStyle.Render("  " + line))
			b.WriteString("\n")
		}
	}

	if m.lastErr != nil {
		fmt.Fprintf(&b, "\nerror: %v\n", m.lastErr)
	}
	b.WriteString(dimStyle.Render("\nq to quit"))
	b.WriteString("\n")
	return b.String()
}
