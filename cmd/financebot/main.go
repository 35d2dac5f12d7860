package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/haseeb302/finance-bot/internal/api"
	"github.com/haseeb302/finance-bot/internal/auth"
	"github.com/haseeb302/finance-bot/internal/chat"
	"github.com/haseeb302/finance-bot/internal/config"
	"github.com/haseeb302/finance-bot/internal/store"
	"github.com/haseeb302/finance-bot/internal/tui"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	kv, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer kv.Close()

	sealed := store.NewSealed(kv)

	// The refresher is a bare client: refresh calls must not pass back
	// through the guard, or a dead session would recurse.
	bare := api.New(cfg.API.BaseURL, api.WithTimeout(cfg.API.Timeout))
	guard := auth.NewGuard(http.DefaultTransport, bare, sealed)
	client := api.New(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithSendTimeout(cfg.API.SendTimeout),
		api.WithTransport(guard),
	)

	session := auth.NewSession(client, guard, sealed)
	orch := chat.New(client, chat.ModeAnonymous, chat.Config{
		PageSize:      cfg.API.PageSize,
		MaxMessageLen: cfg.Chat.MaxMessageLength,
	})

	p := tea.NewProgram(tui.New(ctx, cfg, orch, session, guard), tea.WithAltScreen())
	guard.OnSessionExpired(func() {
		p.Send(tui.SessionExpiredMsg{})
	})
	if _, err := p.Run(); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}
