// Package tui renders sessions in the terminal and turns key presses into
// router actions.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"voiceterm/internal/app"
	"voiceterm/internal/events"
	"voiceterm/internal/router"
	"voiceterm/internal/session"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const scrollStep = 5

// busMsg carries a bus event into Update.
type busMsg events.Event

// changeMsg carries a registry change into Update.
type changeMsg session.Change

// dispatchedMsg reports the outcome of a typed line.
type dispatchedMsg struct {
	line    string
	matched bool
	err     error
}

// Model is the bubbletea model.
type Model struct {
	app       *app.App
	toggleKey string

	busID    string
	busCh    <-chan events.Event
	changeID string
	changeCh <-chan session.Change

	viewport viewport.Model
	input    textinput.Model
	width    int
	height   int
	ready    bool

	connection string
	listening  bool
	partial    string
	status     string
	level      events.Level

	// highlight is the search match line of the active session, or -1.
	highlight int
	clipboard string
}

// New creates a model driving a. toggleKey is the key string (as reported
// by tea.KeyMsg.String) that starts and stops voice recognition.
func New(a *app.App, toggleKey string) *Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "say or type a command, :token for raw actions"
	ti.CharLimit = 512
	ti.Focus()

	m := &Model{
		app:        a,
		toggleKey:  toggleKey,
		input:      ti,
		connection: a.ConnectionState(),
		highlight:  -1,
	}
	m.busID, m.busCh = a.Bus().Subscribe(256)
	m.changeID, m.changeCh = a.Registry().Subscribe()
	return m
}

// Close detaches the model from the bus and the registry.
func (m *Model) Close() {
	m.app.Bus().Unsubscribe(m.busID)
	m.app.Registry().Unsubscribe(m.changeID)
}

// Clipboard returns the text of the last copy action.
func (m *Model) Clipboard() string {
	return m.clipboard
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return busMsg(e)
	}
}

func waitForChange(ch <-chan session.Change) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return nil
		}
		return changeMsg(c)
	}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.busCh), waitForChange(m.changeCh))
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vh := msg.Height - 4 // tabs, input, status bar, partial line
		if vh < 1 {
			vh = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vh)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, vh
		}
		m.input.Width = msg.Width - 4
		m.refresh(true)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case busMsg:
		m.handleEvent(events.Event(msg))
		return m, waitForEvent(m.busCh)

	case changeMsg:
		if msg.Kind == session.ChangeActive || msg.Kind == session.ChangeClosed {
			m.highlight = -1
		}
		m.refresh(msg.Kind != session.ChangeOutput || m.viewport.AtBottom())
		return m, waitForChange(m.changeCh)

	case dispatchedMsg:
		if msg.err == nil && !msg.matched {
			m.setStatus(events.LevelWarning, fmt.Sprintf("Not recognised: %q", msg.line))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case m.toggleKey:
		m.app.ToggleVoice()
		return m, nil
	case "ctrl+c":
		return m, tea.Quit
	case "pgup":
		m.scroll(-m.viewport.Height)
		return m, nil
	case "pgdown":
		m.scroll(m.viewport.Height)
		return m, nil
	case "enter":
		line := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if line == "" {
			return m, nil
		}
		return m, m.dispatch(line)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// dispatch routes a typed line off the UI goroutine. Lines starting with
// ':' name an action token directly, the rest go through the grammar.
func (m *Model) dispatch(line string) tea.Cmd {
	r := m.app.Router()
	return func() tea.Msg {
		ctx := context.Background()
		if strings.HasPrefix(line, ":") {
			token, param, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
			err := r.DispatchToken(ctx, router.Token(token), strings.TrimSpace(param))
			return dispatchedMsg{line: line, matched: true, err: err}
		}
		return dispatchedMsg{line: line, matched: r.ProcessVoiceCommand(ctx, line)}
	}
}

func (m *Model) handleEvent(e events.Event) {
	switch e.Name {
	case events.ConnectionState:
		m.connection = e.Parameter

	case events.VoiceStatus:
		switch e.Action {
		case app.VoiceListening:
			m.listening = true
			m.partial = ""
		case app.VoicePartial:
			m.partial = e.Parameter
		case app.VoiceFinal, app.VoiceRejected:
			m.partial = ""
		case app.VoiceIdle:
			m.listening = false
			m.partial = ""
		}

	case events.StatusMessage:
		m.setStatus(e.Level, e.Parameter)

	case events.TerminalAction:
		m.handleTerminalAction(e)
	}
}

func (m *Model) handleTerminalAction(e events.Event) {
	if active, _ := m.app.Registry().Active(); e.SessionID != "" && e.SessionID != active {
		return
	}

	switch router.Token(e.Action) {
	case router.TokenScrollUp:
		m.scroll(-scrollStep)
	case router.TokenScrollDown:
		m.scroll(scrollStep)
	case router.TokenScrollTop:
		m.viewport.GotoTop()
	case router.TokenScrollBottom:
		m.viewport.GotoBottom()
	case router.TokenFocus:
		m.input.Focus()
	case router.TokenClear:
		m.highlight = -1
		m.refresh(true)
	case router.TokenSearch, router.TokenSearchNext, router.TokenSearchPrevious:
		idx, err := strconv.Atoi(e.Parameter)
		if err != nil || idx < 0 {
			m.highlight = -1
			m.refresh(false)
			return
		}
		m.highlight = idx
		m.refresh(false)
		m.viewport.SetYOffset(idx - m.viewport.Height/2)
	case router.TokenCopyAll, router.TokenCopySelection:
		m.clipboard = e.Parameter
		n := 0
		if e.Parameter != "" {
			n = strings.Count(e.Parameter, "\n") + 1
		}
		m.setStatus(events.LevelInfo, fmt.Sprintf("Copied %d line(s)", n))
	}
}

func (m *Model) scroll(delta int) {
	m.viewport.SetYOffset(m.viewport.YOffset + delta)
}

func (m *Model) setStatus(level events.Level, msg string) {
	m.level = level
	m.status = msg
}

// refresh re-renders the active session into the viewport.
func (m *Model) refresh(toBottom bool) {
	if !m.ready {
		return
	}
	id, ok := m.app.Registry().Active()
	if !ok {
		m.viewport.SetContent("")
		return
	}
	lines, err := m.app.Registry().Output(id)
	if err != nil {
		m.viewport.SetContent("")
		return
	}

	rendered := make([]string, len(lines))
	for i, l := range lines {
		rendered[i] = renderLine(l, i == m.highlight)
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))
	if toBottom {
		m.viewport.GotoBottom()
	}
}

func renderLine(l session.Line, highlighted bool) string {
	var s string
	switch l.Source {
	case session.SourceStdin:
		s = stdinStyle.Render("$ " + l.Content)
	case session.SourceStderr:
		s = stderrStyle.Render(l.Content)
	case session.SourceSystem:
		s = systemStyle.Render(l.Content)
	default:
		s = l.Content
	}
	if highlighted {
		s = highlightStyle.Render(s)
	}
	return s
}

// View implements tea.Model
func (m *Model) View() string {
	if !m.ready {
		return "Initializing..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.tabsView(),
		m.viewport.View(),
		m.partialView(),
		m.input.View(),
		m.statusView(),
	)
}

func (m *Model) tabsView() string {
	list := m.app.Registry().List()
	if len(list) == 0 {
		return tabStyle.Render("no sessions, say \"new terminal\"")
	}
	tabs := make([]string, len(list))
	for i, s := range list {
		label := s.Name
		if s.Status == session.StatusRunning {
			label += " *"
		}
		switch {
		case s.Active:
			tabs[i] = activeTabStyle.Render(label)
		case s.Status == session.StatusError:
			tabs[i] = errorTabStyle.Render(label)
		default:
			tabs[i] = tabStyle.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m *Model) partialView() string {
	if m.partial == "" {
		return ""
	}
	return partialStyle.Render("… " + m.partial)
}

func (m *Model) statusView() string {
	var parts []string
	if m.listening {
		parts = append(parts, recStyle.Render("REC"))
	}
	snap := m.app.Tracker().Snapshot()
	parts = append(parts,
		" "+m.connection,
		fmt.Sprintf("cmds %d  ok %.0f%%  avg %.0fms", snap.TotalCommands, snap.SuccessRate(), snap.AverageLatency),
		fmt.Sprintf("%s voice", m.toggleKey),
	)
	if m.status != "" {
		style, ok := levelStyles[string(m.level)]
		if !ok {
			style = levelStyles["info"]
		}
		parts = append(parts, style.Render(m.status))
	}
	return statusBarStyle.Width(m.width).Render(strings.Join(parts, "  │  "))
}
