package status

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const refreshEvery = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Padding(0, 1)

	coolingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("208")) // orange

	clearStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")) // green

	tableBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

// Loader produces a fresh snapshot.
type Loader func(ctx context.Context) (Snapshot, error)

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

type statusModel struct {
	ctx    context.Context
	load   Loader
	table  table.Model
	snap   Snapshot
	err    error
	width  int
	height int
}

func newStatusModel(ctx context.Context, load Loader) statusModel {
	cols := []table.Column{
		{Title: Headers[0], Width: 14},
		{Title: Headers[1], Width: 12},
		{Title: Headers[2], Width: 10},
		{Title: Headers[3], Width: 10},
		{Title: Headers[4], Width: 20},
		{Title: Headers[5], Width: 14},
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("24"))
	t.SetStyles(s)

	return statusModel{ctx: ctx, load: load, table: t}
}

func (m statusModel) Init() tea.Cmd {
	return m.refresh()
}

func (m statusModel) refresh() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.load(m.ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 7; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.table.SetRows(tableRows(msg.snap))
		}
		return m, tick()

	case tickMsg:
		return m, m.refresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func tableRows(s Snapshot) []table.Row {
	rows := s.Rows()
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row(r.Cells(s.TakenAt)))
	}
	return out
}

func (m statusModel) View() string {
	header := titleStyle.Render(fmt.Sprintf("autobid status, %d scheduled", len(m.snap.Entries)))
	window := clearStyle.Render(m.snap.RateLimitLine())
	if m.snap.RateLimitLeft > 0 {
		window = coolingStyle.Render(m.snap.RateLimitLine())
	}
	body := tableBorderStyle.Render(m.table.View())

	footer := hintStyle.Render("↑/↓/j/k navigate  r refresh  q quit")
	if m.err != nil {
		footer = errorStyle.Render("refresh failed: "+m.err.Error()) + "\n" + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Center, header, "  ", window),
		body,
		footer,
	)
}

// RunTUI shows the interactive status table until the user quits.
func RunTUI(ctx context.Context, load Loader) error {
	p := tea.NewProgram(newStatusModel(ctx, load), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
