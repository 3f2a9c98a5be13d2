// Package ui renders the support chat surfaces: the persistent widget, the
// route-scoped chat page, and the admin queue.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/storebay/supportchat/internal/domain"
)

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("63")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	botLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	adminLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	linkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Underline(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	badgeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("196")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Background(lipgloss.Color("63"))
)

// renderTranscript formats the chat entries for a viewport of the given width.
func renderTranscript(entries []domain.LocalChatEntry, width int) string {
	if len(entries) == 0 {
		return systemStyle.Render("No messages yet. Say hello!")
	}

	wrap := lipgloss.NewStyle().Width(width)
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(wrap.Render(renderEntry(e)))
	}
	return b.String()
}

func renderEntry(e domain.LocalChatEntry) string {
	switch e.Role {
	case domain.RoleSystem:
		return systemStyle.Render("— " + e.Text + " —")
	case domain.RoleUser:
		line := userLabelStyle.Render("You: ") + e.Text
		if e.Pending {
			line += pendingStyle.Render(" (sending…)")
		}
		return line
	default:
		label := botLabelStyle.Render("Bot: ")
		if e.Admin {
			label = adminLabelStyle.Render("Admin: ")
		}
		line := label + e.Text
		if link := entryLink(e); link != "" {
			line += "\n     " + linkStyle.Render(link)
		}
		return line
	}
}

// entryLink prefers the absolute form so the terminal can make it clickable.
func entryLink(e domain.LocalChatEntry) string {
	if e.LinkAbs != "" {
		return e.LinkAbs
	}
	return e.Link
}

func unreadBadge(n int) string {
	if n <= 0 {
		return ""
	}
	return badgeStyle.Render(fmt.Sprintf("%d", n))
}
