package tui

import (
	"voiceterm/internal/app"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the UI until the user quits.
func Run(a *app.App, toggleKey string) error {
	m := New(a, toggleKey)
	defer m.Close()

	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
