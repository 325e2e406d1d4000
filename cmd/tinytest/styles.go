package main

import (
	"github.com/charmbracelet/lipgloss"

	"tinytest/internal/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// statusText colors a final status for terminal output.
func statusText(s types.Status) string {
	switch s {
	case types.StatusPassed:
		return passStyle.Render(string(s))
	case types.StatusError:
		return errorStyle.Render(string(s))
	default:
		return failStyle.Render(string(s))
	}
}
