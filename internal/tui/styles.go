package tui

import "github.com/charmbracelet/lipgloss"

var (
	tabStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("245"))

	activeTabStyle = tabStyle.
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Bold(true)

	errorTabStyle = tabStyle.Foreground(lipgloss.Color("203"))

	stdinStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	stderrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	highlightStyle = lipgloss.NewStyle().Reverse(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("235"))

	recStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Bold(true).
			Padding(0, 1)

	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)

	levelStyles = map[string]lipgloss.Style{
		"info":    lipgloss.NewStyle().Foreground(lipgloss.Color("114")),
		"warning": lipgloss.NewStyle().Foreground(lipgloss.Color("221")),
		"error":   lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
)
