package ui

import (
	"github.com/charmbracelet/lipgloss"
)

type Theme struct {
	Title   lipgloss.Style
	Info    lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Link    lipgloss.Style

	// Card frames the workspace banner.
	Card lipgloss.Style
}

func DefaultTheme() Theme {
	return Theme{
		Title: lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")). // Blue
			Bold(true),

		Info: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")), // Light gray

		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color("76")). // Green
			Bold(true),

		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")). // Yellow
			Bold(true),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true),

		Dim: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")). // Gray
			Italic(true),

		Link: lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")). // Bright magenta
			Underline(true),

		Card: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1),
	}
}
