// Package bootstrap builds the collaborators shared by the binaries from configuration.
package bootstrap

import (
	"fmt"

	"github.com/zhouzirui/carelink/internal/config"
	"github.com/zhouzirui/carelink/internal/model/chat"
	"github.com/zhouzirui/carelink/internal/service/auth"
	chatService "github.com/zhouzirui/carelink/internal/service/chat"
	"github.com/zhouzirui/carelink/internal/service/history"
	"github.com/zhouzirui/carelink/internal/service/transport"
)

// AuthStore opens the identity store, seeded from USER_ID/USER_NAME/USER_ROLE/AUTH_TOKEN.
func AuthStore(cfg config.AuthConfig) (auth.Store, error) {
	var seed *auth.Identity
	if cfg.UserID != "" && cfg.Token != "" {
		seed = &auth.Identity{
			User: chat.Participant{
				ID:          cfg.UserID,
				DisplayName: cfg.UserName,
				Role:        cfg.UserRole,
			},
			Token: cfg.Token,
		}
	}

	store, err := auth.Open(cfg.File, seed)
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}
	return store, nil
}

// ChatService wires the history loader and websocket dialer into a chat service.
func ChatService(cfg *config.Config) (*chatService.Service, error) {
	loader := history.NewLoader(cfg.API.BaseURL, cfg.API.HistoryTimeout)
	dialer := transport.NewWSDialer(&transport.WSOptions{
		HandshakeTimeout: cfg.WS.HandshakeTimeout,
		PingInterval:     cfg.WS.PingInterval,
		WriteTimeout:     cfg.WS.WriteTimeout,
		ReadTimeout:      cfg.WS.ReadTimeout,
	})

	svc, err := chatService.NewService(loader, dialer, chatService.Options{
		BaseURL:        cfg.API.BaseURL,
		ConnectTimeout: cfg.Chat.ConnectTimeout,
		NodeID:         cfg.Chat.NodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat service: %w", err)
	}
	return svc, nil
}
