package ui

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/storebay/supportchat/internal/backend"
	"github.com/storebay/supportchat/internal/domain"
	"github.com/storebay/supportchat/internal/session"
)

type queueLoadedMsg struct {
	adminID string
	items   []domain.AdminRequest
	err     error
}

type acceptedMsg struct {
	requestID string
	err       error
}

// Queue is the admin's view of pending escalations: pick one, accept it, and
// drop into the chat.
type Queue struct {
	backend *backend.Client
	ctrl    *session.Controller

	spin    spinner.Model
	adminID string
	items   []domain.AdminRequest
	cursor  int
	loading bool
	err     error
}

// NewQueue builds the awaiting-requests list for an admin session.
func NewQueue(client *backend.Client, ctrl *session.Controller) Queue {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle
	return Queue{backend: client, ctrl: ctrl, spin: sp, loading: true}
}

func (m Queue) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.loadCmd())
}

// loadCmd fetches the admin's identity and the awaiting list concurrently.
func (m Queue) loadCmd() tea.Cmd {
	client := m.backend
	return func() tea.Msg {
		ctx := context.Background()

		var (
			wg      sync.WaitGroup
			account backend.Account
			items   []domain.AdminRequest
			meErr   error
			listErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			account, meErr = client.Me(ctx)
		}()
		go func() {
			defer wg.Done()
			items, listErr = client.AwaitingRequests(ctx)
		}()
		wg.Wait()

		if meErr != nil {
			return queueLoadedMsg{err: fmt.Errorf("resolve admin identity: %w", meErr)}
		}
		if listErr != nil {
			return queueLoadedMsg{err: fmt.Errorf("load awaiting requests: %w", listErr)}
		}
		return queueLoadedMsg{adminID: account.ID, items: items}
	}
}

func (m Queue) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case queueLoadedMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.adminID = msg.adminID
			m.items = msg.items
			if m.cursor >= len(m.items) {
				m.cursor = 0
			}
		}
		return m, nil

	case acceptedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		// Hand the whole screen over to the chat for this request.
		page := NewChatPage(m.ctrl, msg.requestID, true)
		return page, page.Init()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.items)-1 {
				m.cursor++
			}
		case "r":
			m.loading = true
			m.err = nil
			return m, tea.Batch(m.spin.Tick, m.loadCmd())
		case "enter":
			if m.loading || len(m.items) == 0 {
				return m, nil
			}
			m.loading = true
			client, adminID := m.backend, m.adminID
			requestID := m.items[m.cursor].ID
			return m, func() tea.Msg {
				err := client.AcceptRequest(context.Background(), requestID, adminID)
				if err != nil {
					return acceptedMsg{err: fmt.Errorf("accept request: %w", err)}
				}
				return acceptedMsg{requestID: requestID}
			}
		}
	}
	return m, nil
}

func (m Queue) View() string {
	parts := []string{titleStyle.Render("Support queue")}

	switch {
	case m.loading:
		parts = append(parts, m.spin.View()+" Loading…")
	case m.err != nil:
		parts = append(parts, errorStyle.Render(m.err.Error()))
	case len(m.items) == 0:
		parts = append(parts, systemStyle.Render("No one is waiting right now."))
	default:
		for i, req := range m.items {
			line := fmt.Sprintf("%s  from %s", req.ID, req.UserID)
			if req.InitialMessage != "" {
				line += "  · " + req.InitialMessage
			}
			if i == m.cursor {
				line = selectedStyle.Render("> " + line)
			} else {
				line = "  " + line
			}
			parts = append(parts, line)
		}
	}

	parts = append(parts, helpStyle.Render("enter accept · r refresh · q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
