package status

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/storeyes/livecount/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Connection string
	Phase      string
	Loading    bool
	Token      string
	Width      int

	spinner spinner.Model
}

// New creates a status bar model.
func New() Model {
	return Model{
		Connection: "idle",
		Phase:      "foreground",
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(theme.ColorAccent)),
		),
	}
}

// Tick starts the loading spinner.
func (m Model) Tick() tea.Msg {
	return m.spinner.Tick()
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	connStr := lipgloss.NewStyle().Foreground(theme.ConnectionColor(m.Connection)).
		Render(theme.ConnectionGlyph(m.Connection) + " " + m.Connection)

	var loadStr string
	if m.Loading {
		loadStr = m.spinner.View() + " Loading"
	} else {
		loadStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("✓ Live")
	}

	tokenStr := theme.StyleDimmed.Render("push: none")
	if m.Token != "" {
		tokenStr = theme.StyleDimmed.Render(fmt.Sprintf("push: %s", m.Token))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + loadStr + sep + m.Phase + sep + tokenStr

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
