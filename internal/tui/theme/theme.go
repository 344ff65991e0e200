// Package theme provides the Lip Gloss color palette and reusable styles
// for the livecount dashboard. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
)

// Connection state colors.
var (
	ColorConnected  = lipgloss.Color("#22c55e")
	ColorConnecting = lipgloss.Color("#d97706")
	ColorIdle       = lipgloss.Color("#6b7280")
	ColorErrored    = lipgloss.Color("#dc2626")
)

// Product bar colors, assigned by code.
var barColors = []lipgloss.Color{
	lipgloss.Color("#a855f7"),
	lipgloss.Color("#3b82f6"),
	lipgloss.Color("#06b6d4"),
	lipgloss.Color("#22c55e"),
	lipgloss.Color("#f59e0b"),
	lipgloss.Color("#ef4444"),
	lipgloss.Color("#ec4899"),
	lipgloss.Color("#84cc16"),
}

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#f59e0b")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// ConnectionColor returns the color for a connection state name.
func ConnectionColor(state string) lipgloss.Color {
	switch state {
	case "connected":
		return ColorConnected
	case "connecting":
		return ColorConnecting
	case "errored":
		return ColorErrored
	default:
		return ColorIdle
	}
}

// ConnectionGlyph returns a glyph for a connection state name.
func ConnectionGlyph(state string) string {
	switch state {
	case "connected":
		return "●"
	case "connecting":
		return "◌"
	case "errored":
		return "✗"
	default:
		return "○"
	}
}

// BarColor returns a stable color for a product code.
func BarColor(code string) lipgloss.Color {
	h := fnv.New32a()
	h.Write([]byte(code))
	return barColors[h.Sum32()%uint32(len(barColors))]
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleToast = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent)
)
