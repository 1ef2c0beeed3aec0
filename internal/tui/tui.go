// Package tui renders a read-only terminal dashboard for the flock
// daemon: stage counts, conversion rate, stake totals and a live event
// feed. It never mutates funnel state.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is the dashboard's view of the funnel, produced by the
// StatusProvider once per refresh tick.
type Snapshot struct {
	DBOK           bool
	TotalAgents    int
	StageCounts    []StageCount
	TotalStaked    string
	ConversionRate float64
	TopConverters  []ConverterLine
	LastEvent      string
	Uptime         time.Duration
}

type StageCount struct {
	Stage string
	Count int
}

type ConverterLine struct {
	AgentID  string
	Converts int
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	feed     *EventFeed
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (m model) View() string {
	var out strings.Builder
	out.WriteString(titleStyle.Render("Flock Status") + "\n\n")
	out.WriteString(labelStyle.Render(fmt.Sprintf("DB OK: %t", m.snap.DBOK)) + "\n")
	out.WriteString(labelStyle.Render(fmt.Sprintf("Agents: %d", m.snap.TotalAgents)) + "\n")
	for _, sc := range m.snap.StageCounts {
		out.WriteString(labelStyle.Render(fmt.Sprintf("  %-11s %d", sc.Stage, sc.Count)) + "\n")
	}
	out.WriteString(labelStyle.Render(fmt.Sprintf("Conversion Rate: %.1f%%", m.snap.ConversionRate*100)) + "\n")
	staked := m.snap.TotalStaked
	if staked == "" {
		staked = "0"
	}
	out.WriteString(labelStyle.Render("Total Staked: "+staked) + "\n")
	if len(m.snap.TopConverters) > 0 {
		out.WriteString(labelStyle.Render("Top Converters:") + "\n")
		for i, c := range m.snap.TopConverters {
			out.WriteString(labelStyle.Render(fmt.Sprintf("  %d. %s (%d)", i+1, c.AgentID, c.Converts)) + "\n")
		}
	}
	lastEvent := m.snap.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}
	out.WriteString(labelStyle.Render("Last Event: "+lastEvent) + "\n")
	out.WriteString(labelStyle.Render("Uptime: "+m.snap.Uptime.Truncate(time.Second).String()) + "\n")

	if m.feed != nil {
		if feed := m.feed.View(); feed != "" {
			out.WriteString("\n" + feed)
		}
	}
	out.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return out.String()
}

// Run starts the dashboard and blocks until the user quits or the
// context is cancelled. The feed may be nil for a metrics-only view.
func Run(ctx context.Context, provider StatusProvider, feed *EventFeed) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, feed: feed, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
