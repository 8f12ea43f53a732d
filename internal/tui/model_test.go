package tui

import (
	"context"
	"strings"
	"testing"

	"voiceterm/internal/app"
	"voiceterm/internal/config"
	"voiceterm/internal/events"
	"voiceterm/internal/router"
	"voiceterm/internal/session"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T) (*Model, *app.App) {
	t.Helper()
	cfg, err := config.Decode(config.New())
	require.NoError(t, err)
	cfg.Host.URL = ""
	cfg.Metrics.SlowThreshold = 0

	a, err := app.New(cfg, app.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })

	m := New(a, "ctrl+t")
	t.Cleanup(m.Close)
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	return m, a
}

func typeLine(t *testing.T, m *Model, line string) dispatchedMsg {
	t.Helper()
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd, "enter should dispatch")
	msg, ok := cmd().(dispatchedMsg)
	require.True(t, ok)
	m.Update(msg)
	return msg
}

func TestModel_InitialView(t *testing.T) {
	m, _ := newTestModel(t)
	view := m.View()
	assert.Contains(t, view, "no sessions")
	assert.Contains(t, view, app.StateOffline)
	assert.Contains(t, view, "ctrl+t voice")
}

func TestModel_NotReadyBeforeResize(t *testing.T) {
	cfg, err := config.Decode(config.New())
	require.NoError(t, err)
	cfg.Host.URL = ""
	a, err := app.New(cfg, app.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	m := New(a, "ctrl+t")
	defer m.Close()
	assert.Equal(t, "Initializing...", m.View())
}

func TestModel_TypedLineUsesGrammar(t *testing.T) {
	m, a := newTestModel(t)

	msg := typeLine(t, m, "new terminal build")
	assert.True(t, msg.matched)
	assert.Empty(t, m.input.Value())

	list := a.Registry().List()
	require.Len(t, list, 1)
	assert.Equal(t, "build", list[0].Name)
	assert.Contains(t, m.View(), "build")
}

func TestModel_UnrecognisedLine(t *testing.T) {
	m, _ := newTestModel(t)

	msg := typeLine(t, m, "xyzzy")
	assert.False(t, msg.matched)
	assert.Contains(t, m.status, "Not recognised")
}

func TestModel_RawToken(t *testing.T) {
	m, a := newTestModel(t)
	typeLine(t, m, ":new-session logs")
	id, ok := a.Registry().Active()
	require.True(t, ok)
	a.Registry().AppendOutput(id, session.Line{Content: "x", Source: session.SourceStdout})

	msg := typeLine(t, m, ":clear")
	require.NoError(t, msg.err)
	out, _ := a.Registry().Output(id)
	assert.Empty(t, out)

	msg = typeLine(t, m, ":warp")
	assert.ErrorIs(t, msg.err, router.ErrUnknownAction)
}

func TestModel_EmptyEnterDoesNothing(t *testing.T) {
	m, _ := newTestModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
}

func TestModel_ToggleKeyStartsVoice(t *testing.T) {
	m, a := newTestModel(t)
	_, ch := a.Bus().Subscribe(16)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlT})
	assert.Nil(t, cmd)

	// No engine: the pass reports not-supported and ends.
	var sawListening bool
	for e := range ch {
		if e.Name != events.VoiceStatus {
			continue
		}
		m.Update(busMsg(e))
		if e.Action == app.VoiceListening {
			sawListening = true
			assert.Contains(t, m.View(), "REC")
		}
		if e.Action == app.VoiceIdle {
			break
		}
	}
	assert.True(t, sawListening)
	assert.False(t, m.listening)
}

func TestModel_VoiceStatusEvents(t *testing.T) {
	m, _ := newTestModel(t)

	m.Update(busMsg{Name: events.VoiceStatus, Action: app.VoiceListening})
	m.Update(busMsg{Name: events.VoiceStatus, Action: app.VoicePartial, Parameter: "scroll"})
	assert.Contains(t, m.View(), "scroll")

	m.Update(busMsg{Name: events.VoiceStatus, Action: app.VoiceFinal, Parameter: "scroll up"})
	assert.Empty(t, m.partial)

	m.Update(busMsg{Name: events.ConnectionState, Parameter: "connecting"})
	assert.Contains(t, m.View(), "connecting")
}

func TestModel_SearchHighlightsAndCopies(t *testing.T) {
	m, a := newTestModel(t)
	id := a.Registry().Create("logs")
	a.Registry().SetActive(id)
	for _, l := range []string{"build ok", "ERROR one", "fine"} {
		a.Registry().AppendOutput(id, session.Line{Content: l, Source: session.SourceStdout})
	}

	m.Update(busMsg{Name: events.TerminalAction, Action: string(router.TokenSearch), SessionID: id, Parameter: "1"})
	assert.Equal(t, 1, m.highlight)

	m.Update(busMsg{Name: events.TerminalAction, Action: string(router.TokenCopyAll), SessionID: id, Parameter: "a\nb"})
	assert.Equal(t, "a\nb", m.Clipboard())
	assert.Contains(t, m.status, "Copied 2 line(s)")

	// Events for other sessions are ignored.
	m.Update(busMsg{Name: events.TerminalAction, Action: string(router.TokenCopyAll), SessionID: "other", Parameter: "zzz"})
	assert.Equal(t, "a\nb", m.Clipboard())

	m.Update(changeMsg{Kind: session.ChangeActive, SessionID: id})
	assert.Equal(t, -1, m.highlight)
}

func TestModel_ScrollActions(t *testing.T) {
	m, a := newTestModel(t)
	id := a.Registry().Create("long")
	a.Registry().SetActive(id)
	for i := 0; i < 100; i++ {
		a.Registry().AppendOutput(id, session.Line{Content: strings.Repeat("x", i%10), Source: session.SourceStdout})
	}
	m.Update(changeMsg{Kind: session.ChangeOutput, SessionID: id})
	require.True(t, m.viewport.AtBottom())

	m.Update(busMsg{Name: events.TerminalAction, Action: string(router.TokenScrollTop), SessionID: id})
	assert.Equal(t, 0, m.viewport.YOffset)

	m.Update(busMsg{Name: events.TerminalAction, Action: string(router.TokenScrollDown), SessionID: id})
	assert.Equal(t, scrollStep, m.viewport.YOffset)

	m.Update(busMsg{Name: events.TerminalAction, Action: string(router.TokenScrollBottom), SessionID: id})
	assert.True(t, m.viewport.AtBottom())
}

func TestModel_CtrlCQuits(t *testing.T) {
	m, _ := newTestModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}
