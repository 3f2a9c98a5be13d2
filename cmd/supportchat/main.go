// supportchat - terminal client for the store's support escalation pipeline.
//
// Usage:
//
//	supportchat                     open the support widget (bot + escalation)
//	supportchat chat <id> [--admin] open the chat page for an existing request
//	supportchat queue               admin view: accept awaiting requests
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/storebay/supportchat/internal/backend"
	"github.com/storebay/supportchat/internal/config"
	"github.com/storebay/supportchat/internal/history"
	"github.com/storebay/supportchat/internal/identity"
	"github.com/storebay/supportchat/internal/session"
	"github.com/storebay/supportchat/internal/transport"
	"github.com/storebay/supportchat/internal/ui"
)

// confirmAdapter narrows the backend client to the identity lookup.
type confirmAdapter struct {
	client *backend.Client
}

func (a confirmAdapter) Me(ctx context.Context) (identity.MeResult, error) {
	account, err := a.client.Me(ctx)
	if err != nil {
		return identity.MeResult{}, err
	}
	return identity.MeResult{ID: account.ID}, nil
}

func main() {
	// No .env file is the normal case outside dev.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	// The terminal belongs to the UI, so logs go to a file.
	logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open log file:", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	tokens := config.NewTokenStore(cfg)
	client := backend.New(cfg.AuthBaseURL, cfg.SupportBaseURL, tokens, cfg.RequestTimeout)
	resolver := identity.NewResolver(tokens, confirmAdapter{client: client})

	broker := transport.NewClient(cfg.WSBaseURL, tokens, cfg.ReconnectDelay, func(err error) {
		logger.Warn("Broker error", "error", err)
	})

	store, err := history.NewSQLite(cfg.HistoryDBPath, history.SessionKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open history store:", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("Failed to close history store", "error", closeErr)
		}
	}()

	ctrl := session.NewController(session.Options{
		Backend:       client,
		Identity:      resolver,
		Transport:     broker,
		History:       store,
		LinkBase:      cfg.LinkBase,
		Logger:        logger,
		PendingWindow: cfg.PendingWindow,
	})

	model, err := pickSurface(os.Args[1:], ctrl, client)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger.Info("Starting supportchat", "surface", surfaceName(os.Args[1:]))
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "ui error:", err)
		os.Exit(1)
	}
}

func pickSurface(args []string, ctrl *session.Controller, client *backend.Client) (tea.Model, error) {
	if len(args) == 0 {
		return ui.NewWidget(ctrl), nil
	}
	switch args[0] {
	case "chat":
		if len(args) < 2 {
			return nil, fmt.Errorf("usage: supportchat chat <request-id> [--admin]")
		}
		admin := len(args) > 2 && args[2] == "--admin"
		return ui.NewChatPage(ctrl, args[1], admin), nil
	case "queue":
		return ui.NewQueue(client, ctrl), nil
	default:
		return nil, fmt.Errorf("unknown command %q (want chat or queue)", args[0])
	}
}

func surfaceName(args []string) string {
	if len(args) == 0 {
		return "widget"
	}
	return args[0]
}
