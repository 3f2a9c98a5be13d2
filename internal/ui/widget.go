package ui

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/storebay/supportchat/internal/session"
)

// ChangedMsg signals that the controller's state moved underneath the UI.
type ChangedMsg struct{}

// bindChanges hooks the controller's change callback to a channel the
// bubbletea loop can wait on. Bursts coalesce into one wakeup.
func bindChanges(ctrl *session.Controller) chan struct{} {
	ch := make(chan struct{}, 1)
	ctrl.SetOnChange(func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch
}

func listenChanges(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return ChangedMsg{}
	}
}

// Widget is the persistent support panel: collapsed to a launcher line with
// an unread counter, expanded to the full chat.
type Widget struct {
	ctrl    *session.Controller
	changes chan struct{}

	input textinput.Model
	vp    viewport.Model
	spin  spinner.Model

	open   bool
	unread int
	seen   int
	width  int
	height int
	ready  bool
}

// NewWidget builds the widget over a started-or-startable controller.
func NewWidget(ctrl *session.Controller) Widget {
	input := textinput.New()
	input.Placeholder = "Ask a question…"
	input.CharLimit = 2000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle

	return Widget{
		ctrl:    ctrl,
		changes: bindChanges(ctrl),
		input:   input,
		spin:    sp,
	}
}

func (m Widget) Init() tea.Cmd {
	ctrl := m.ctrl
	return tea.Batch(
		textinput.Blink,
		m.spin.Tick,
		func() tea.Msg {
			ctrl.Start(context.Background())
			return ChangedMsg{}
		},
		listenChanges(m.changes),
	)
}

func (m Widget) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp = viewport.New(m.panelWidth()-4, m.transcriptHeight())
		m.vp.SetContent(renderTranscript(m.ctrl.Entries(), m.vp.Width))
		m.vp.GotoBottom()
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ChangedMsg:
		entries := m.ctrl.Entries()
		if !m.open && len(entries) > m.seen {
			m.unread += len(entries) - m.seen
		}
		m.seen = len(entries)
		if m.ready {
			m.vp.SetContent(renderTranscript(entries, m.vp.Width))
			m.vp.GotoBottom()
		}
		return m, listenChanges(m.changes)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Widget) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.ctrl.Shutdown()
		return m, tea.Quit

	case "esc":
		if m.open {
			m.open = false
			return m, nil
		}
		m.ctrl.Shutdown()
		return m, tea.Quit

	case "enter":
		if !m.open {
			m.open = true
			m.unread = 0
			return m, nil
		}
		text := m.input.Value()
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctrl.Send(context.Background(), text)
			return ChangedMsg{}
		}

	case "ctrl+l":
		ctrl := m.ctrl
		m.unread, m.seen = 0, 0
		return m, func() tea.Msg {
			ctrl.Clear(context.Background())
			return ChangedMsg{}
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Widget) View() string {
	if !m.open {
		line := titleStyle.Render("💬 Support")
		if badge := unreadBadge(m.unread); badge != "" {
			line += " " + badge
		}
		return line + "\n" + helpStyle.Render("enter open · esc quit")
	}
	if !m.ready {
		return "Loading…"
	}

	m.input.Placeholder = m.placeholder()
	m.input.Width = m.panelWidth() - 6

	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Support"),
		statusStyle.Render(m.statusLine()),
		m.vp.View(),
		m.errorLine(),
		m.input.View(),
		helpStyle.Render("enter send · ctrl+l clear · esc close"),
	)
	return panelStyle.Width(m.panelWidth()).Render(body)
}

func (m Widget) statusLine() string {
	switch m.ctrl.Mode() {
	case session.ModeWaiting:
		return m.spin.View() + " Waiting for an admin…"
	case session.ModeAdmin:
		if !m.ctrl.Connected() {
			return "Admin chat (reconnecting…)"
		}
		return "Admin chat"
	default:
		return "Assistant"
	}
}

func (m Widget) placeholder() string {
	switch m.ctrl.Mode() {
	case session.ModeWaiting:
		return "You can keep typing while you wait…"
	case session.ModeAdmin:
		return "Message the admin…"
	default:
		return "Ask a question…"
	}
}

func (m Widget) errorLine() string {
	if text := m.ctrl.ErrText(); text != "" {
		return errorStyle.Render(text)
	}
	return ""
}

func (m Widget) panelWidth() int {
	w := m.width - 2
	if w > 72 {
		w = 72
	}
	if w < 24 {
		w = 24
	}
	return w
}

func (m Widget) transcriptHeight() int {
	h := m.height - 8
	if h < 4 {
		h = 4
	}
	return h
}
