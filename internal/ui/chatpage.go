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

// ChatPage is the full-screen chat for one support request. Both sides use
// it: the user lands here from a notification link, the admin from the queue.
type ChatPage struct {
	ctrl      *session.Controller
	requestID string
	admin     bool
	changes   chan struct{}

	input textinput.Model
	vp    viewport.Model
	spin  spinner.Model

	width  int
	height int
	ready  bool
}

// NewChatPage attaches the controller to an existing request and shows it.
// admin only changes presentation; both sides speak the same protocol.
func NewChatPage(ctrl *session.Controller, requestID string, admin bool) ChatPage {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 2000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle

	return ChatPage{
		ctrl:      ctrl,
		requestID: requestID,
		admin:     admin,
		changes:   bindChanges(ctrl),
		input:     input,
		spin:      sp,
	}
}

func (m ChatPage) Init() tea.Cmd {
	ctrl, id := m.ctrl, m.requestID
	return tea.Batch(
		textinput.Blink,
		m.spin.Tick,
		func() tea.Msg {
			ctrl.Attach(context.Background(), id)
			return ChangedMsg{}
		},
		listenChanges(m.changes),
	)
}

func (m ChatPage) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp = viewport.New(m.width-4, m.height-7)
		m.vp.SetContent(renderTranscript(m.ctrl.Entries(), m.vp.Width))
		m.vp.GotoBottom()
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.ctrl.Shutdown()
			return m, tea.Quit
		case "enter":
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
		}

	case ChangedMsg:
		if m.ready {
			m.vp.SetContent(renderTranscript(m.ctrl.Entries(), m.vp.Width))
			m.vp.GotoBottom()
		}
		return m, listenChanges(m.changes)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m ChatPage) View() string {
	if !m.ready {
		return "Loading…"
	}

	status := "Connected"
	if !m.ctrl.Connected() {
		status = m.spin.View() + " Connecting…"
	}

	m.input.Width = m.width - 6

	title := "Support chat · " + m.requestID
	if m.admin {
		title += " · admin"
	}
	parts := []string{
		titleStyle.Render(title),
		statusStyle.Render(status),
		m.vp.View(),
	}
	if text := m.ctrl.ErrText(); text != "" {
		parts = append(parts, errorStyle.Render(text))
	}
	parts = append(parts,
		m.input.View(),
		helpStyle.Render("enter send · esc leave"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
