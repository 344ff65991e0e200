package dashboard

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/storeyes/livecount/internal/catalog"
	"github.com/storeyes/livecount/internal/state"
	"github.com/storeyes/livecount/internal/tui/theme"
)

// FPS is the animation frame rate.
const FPS = 60

const (
	nameWidth  = 22
	countWidth = 7
	minBar     = 10
	settleEps  = 0.01
)

// bar animates one product's share of the largest count.
type bar struct {
	pos, vel float64
	target   float64
}

// Model holds the dashboard view state.
type Model struct {
	Width int

	names    *catalog.Catalog
	products map[string]int
	total    int
	loading  bool
	bars     map[string]*bar
	spring   harmonica.Spring
}

// New creates a dashboard that labels products through names.
func New(names *catalog.Catalog) Model {
	return Model{
		names:    names,
		products: map[string]int{},
		bars:     map[string]*bar{},
		loading:  true,
		spring:   harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 0.6),
	}
}

// SetState updates the bar targets from a published state. It returns true
// when any bar needs animating.
func (m *Model) SetState(st state.State) bool {
	m.products = st.Products
	m.total = st.TotalCount
	m.loading = st.Loading

	maxCount := 0
	for _, n := range st.Products {
		if n > maxCount {
			maxCount = n
		}
	}
	for code := range m.bars {
		if _, ok := st.Products[code]; !ok {
			delete(m.bars, code)
		}
	}
	for code, n := range st.Products {
		b, ok := m.bars[code]
		if !ok {
			b = &bar{}
			m.bars[code] = b
		}
		b.target = 0
		if maxCount > 0 {
			b.target = float64(n) / float64(maxCount)
		}
	}
	return m.Animating()
}

// Step advances every bar by one frame. It returns true while any bar is
// still moving.
func (m *Model) Step() bool {
	for _, b := range m.bars {
		b.pos, b.vel = m.spring.Update(b.pos, b.vel, b.target)
		if math.Abs(b.pos-b.target) < settleEps && math.Abs(b.vel) < settleEps {
			b.pos, b.vel = b.target, 0
		}
	}
	return m.Animating()
}

// Animating reports whether any bar has not reached its target.
func (m *Model) Animating() bool {
	for _, b := range m.bars {
		if b.pos != b.target || b.vel != 0 {
			return true
		}
	}
	return false
}

// Position returns the current bar fill for code, between 0 and ~1.
func (m *Model) Position(code string) float64 {
	if b, ok := m.bars[code]; ok {
		return b.pos
	}
	return 0
}

// View renders the totals row and the product table.
func (m Model) View() string {
	width := m.Width
	if width < 50 {
		width = 50
	}

	var stats string
	if m.loading && len(m.products) == 0 {
		stats = theme.StyleDimmed.Render("Waiting for the first snapshot...")
	} else {
		stats = fmt.Sprintf("%s %d   %s %d",
			theme.StyleHeader.Render("Total"), m.total,
			theme.StyleHeader.Render("Products"), len(m.products))
	}
	statsRow := theme.StyleBorder.Width(width-2).Padding(0, 1).Render(stats)

	barWidth := width - nameWidth - countWidth - 8
	if barWidth < minBar {
		barWidth = minBar
	}

	codes := make([]string, 0, len(m.products))
	for code := range m.products {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		ci, cj := m.products[codes[i]], m.products[codes[j]]
		if ci != cj {
			return ci > cj
		}
		return codes[i] < codes[j]
	})

	var b strings.Builder
	header := fmt.Sprintf("%-*s %*s  %s", nameWidth, "PRODUCT", countWidth, "COUNT", "SHARE")
	b.WriteString(theme.StyleHeader.Render(header))
	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Foreground(theme.ColorBorder).
		Render(strings.Repeat("─", nameWidth+countWidth+barWidth+3)))

	if len(codes) == 0 {
		b.WriteString("\n")
		b.WriteString(theme.StyleDimmed.Render("  No products yet"))
	}
	for _, code := range codes {
		b.WriteString("\n")
		name := truncate(m.names.Name(code), nameWidth)
		fill := int(math.Round(clamp(m.Position(code)) * float64(barWidth)))
		barStr := lipgloss.NewStyle().Foreground(theme.BarColor(code)).Render(strings.Repeat("█", fill))
		b.WriteString(fmt.Sprintf("%-*s %*d  %s", nameWidth, name, countWidth, m.products[code], barStr))
	}

	table := theme.StyleBorder.Width(width-2).Padding(0, 1).Render(b.String())
	return lipgloss.JoinVertical(lipgloss.Left, statsRow, table)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
