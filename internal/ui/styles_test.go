package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/storebay/supportchat/internal/domain"
)

func TestRenderTranscriptEmpty(t *testing.T) {
	out := renderTranscript(nil, 60)
	if !strings.Contains(out, "No messages yet") {
		t.Errorf("empty transcript = %q", out)
	}
}

func TestRenderEntryRolesAndMarkers(t *testing.T) {
	at := time.Now()

	user := renderEntry(domain.LocalChatEntry{Role: domain.RoleUser, Text: "hello", At: at})
	if !strings.Contains(user, "You:") || !strings.Contains(user, "hello") {
		t.Errorf("user entry = %q", user)
	}

	pending := renderEntry(domain.LocalChatEntry{Role: domain.RoleUser, Text: "hello", At: at, Pending: true})
	if !strings.Contains(pending, "sending") {
		t.Errorf("pending entry missing marker: %q", pending)
	}

	bot := renderEntry(domain.LocalChatEntry{Role: domain.RoleBot, Text: "hi", At: at})
	if !strings.Contains(bot, "Bot:") {
		t.Errorf("bot entry = %q", bot)
	}

	admin := renderEntry(domain.LocalChatEntry{Role: domain.RoleBot, Text: "hi", At: at, Admin: true})
	if !strings.Contains(admin, "Admin:") {
		t.Errorf("admin entry = %q", admin)
	}

	system := renderEntry(domain.LocalChatEntry{Role: domain.RoleSystem, Text: "The admin closed this chat.", At: at})
	if !strings.Contains(system, "The admin closed this chat.") {
		t.Errorf("system entry = %q", system)
	}
}

func TestRenderEntryPrefersAbsoluteLink(t *testing.T) {
	entry := domain.LocalChatEntry{
		Role:    domain.RoleBot,
		Text:    "Look here.",
		Link:    "/catalog",
		LinkAbs: "http://localhost:3000/catalog",
	}
	out := renderEntry(entry)
	if !strings.Contains(out, "http://localhost:3000/catalog") {
		t.Errorf("rendered link = %q", out)
	}
}
