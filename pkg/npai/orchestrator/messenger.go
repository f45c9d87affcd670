package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
	"github.com/MutazGhazal/npai-backend/pkg/npai/channels/messenger"
	"github.com/MutazGhazal/npai-backend/pkg/npai/config"
	"github.com/MutazGhazal/npai-backend/pkg/npai/crypto"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
)

// MessengerManager supervises the webhook-push channel family. There is no
// socket to keep alive: a "connected" page is one whose access token has
// been verified and whose session row is persisted, so webhook deliveries
// can be routed back to it even after a process restart.
type MessengerManager struct {
	store    store.Store
	pipeline *Pipeline
	cipher   *crypto.Cipher
	cfg      config.MessengerConfig
	logger   *slog.Logger

	baseCtx context.Context

	// newAdapter is swapped for a fake in tests.
	newAdapter func(pageID, accessToken string) messengerAdapter

	mu     sync.Mutex
	byBot  map[string]*pageSession
	byPage map[string]*pageSession
}

// messengerAdapter is the slice of the messenger adapter the manager uses.
type messengerAdapter interface {
	channels.Adapter
	HandleIncoming(m *messenger.WebhookMessaging)
	PageName() string
}

// pageSession binds one bot to one connected page.
type pageSession struct {
	botID   string
	pageID  string
	adapter messengerAdapter
}

// NewMessengerManager creates the webhook-channel supervisor.
func NewMessengerManager(ctx context.Context, st store.Store, pipeline *Pipeline, cipher *crypto.Cipher, cfg config.MessengerConfig, logger *slog.Logger) *MessengerManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MessengerManager{
		store:    st,
		pipeline: pipeline,
		cipher:   cipher,
		cfg:      cfg,
		logger:   logger.With("component", "messenger_manager"),
		baseCtx:  ctx,
		byBot:    make(map[string]*pageSession),
		byPage:   make(map[string]*pageSession),
	}
	m.newAdapter = func(pageID, accessToken string) messengerAdapter {
		return messenger.New(pageID, accessToken, cfg.APIVersion, logger)
	}
	return m
}

// Connect verifies the page token, wires the page into the pipeline and
// persists the session. Reconnecting an already connected bot replaces its
// page binding.
func (m *MessengerManager) Connect(ctx context.Context, botID, pageID, accessToken string) error {
	adapter := m.newAdapter(pageID, accessToken)
	adapter.OnMessage(func(msg *channels.IncomingMessage) {
		go m.pipeline.Handle(m.baseCtx, channels.FamilyMessenger, botID, adapter, msg)
	})

	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connecting page %s: %w", pageID, err)
	}

	m.mu.Lock()
	if prev := m.byBot[botID]; prev != nil {
		delete(m.byPage, prev.pageID)
		_ = prev.adapter.Disconnect()
	}
	s := &pageSession{botID: botID, pageID: pageID, adapter: adapter}
	m.byBot[botID] = s
	m.byPage[pageID] = s
	m.mu.Unlock()

	encrypted, err := m.cipher.Encrypt(accessToken)
	if err != nil {
		m.logger.Error("failed to encrypt page token", "bot_id", botID, "error", err)
		encrypted = ""
	}
	if _, err := m.store.SaveChannelSession(ctx, &store.ChannelSession{
		BotID:           botID,
		Channel:         string(channels.FamilyMessenger),
		PageID:          pageID,
		PageAccessToken: encrypted,
		Status:          string(StateConnected),
		LastConnectedAt: time.Now(),
	}); err != nil {
		m.logger.Error("failed to persist messenger session",
			"bot_id", botID, "page_id", pageID, "error", err)
	}

	m.logger.Info("messenger page connected",
		"bot_id", botID, "page_id", pageID, "page", adapter.PageName())
	return nil
}

// Disconnect unbinds the bot's page and removes the persisted session.
// Returns false when the bot had no connected page.
func (m *MessengerManager) Disconnect(ctx context.Context, botID string) bool {
	m.mu.Lock()
	s := m.byBot[botID]
	if s != nil {
		delete(m.byBot, botID)
		delete(m.byPage, s.pageID)
	}
	m.mu.Unlock()

	if s == nil {
		// The session may exist only in the store (pre-restart connect).
		if row, err := m.store.GetChannelSession(ctx, botID, string(channels.FamilyMessenger)); err != nil || row == nil {
			return false
		}
	} else {
		_ = s.adapter.Disconnect()
	}

	if err := m.store.DeleteChannelSession(ctx, botID, string(channels.FamilyMessenger)); err != nil {
		m.logger.Warn("failed to delete messenger session", "bot_id", botID, "error", err)
	}
	m.logger.Info("messenger page disconnected", "bot_id", botID)
	return true
}

// Status reports the bot's messenger binding: the live one when present,
// otherwise whatever the store remembers.
func (m *MessengerManager) Status(ctx context.Context, botID string) (*SessionStatus, error) {
	m.mu.Lock()
	s := m.byBot[botID]
	m.mu.Unlock()

	if s != nil {
		return &SessionStatus{
			BotID:     botID,
			State:     StateConnected,
			AccountID: s.pageID,
		}, nil
	}

	row, err := m.store.GetChannelSession(ctx, botID, string(channels.FamilyMessenger))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return &SessionStatus{
		BotID:     botID,
		State:     StateDisconnected,
		AccountID: row.PageID,
	}, nil
}

// Route resolves a webhook page id to its live adapter, lazily restoring the
// binding from the store after a restart. Returns ("", nil) when the page is
// unknown; webhook deliveries for it are dropped.
func (m *MessengerManager) Route(ctx context.Context, pageID string) (string, messengerAdapter) {
	m.mu.Lock()
	if s := m.byPage[pageID]; s != nil {
		m.mu.Unlock()
		return s.botID, s.adapter
	}
	m.mu.Unlock()

	row, err := m.store.GetChannelSessionByPageID(ctx, pageID)
	if err != nil {
		m.logger.Error("page lookup failed", "page_id", pageID, "error", err)
		return "", nil
	}
	if row == nil {
		return "", nil
	}

	token := m.cipher.Decrypt(row.PageAccessToken)
	if err := m.Connect(ctx, row.BotID, pageID, token); err != nil {
		m.logger.Error("failed to restore messenger session",
			"bot_id", row.BotID, "page_id", pageID, "error", err)
		return "", nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.byPage[pageID]; s != nil {
		return s.botID, s.adapter
	}
	return "", nil
}

// Shutdown disconnects every live page binding without touching the
// persisted sessions, so they can be restored on the next start.
func (m *MessengerManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byBot {
		_ = s.adapter.Disconnect()
	}
	m.byBot = make(map[string]*pageSession)
	m.byPage = make(map[string]*pageSession)
}
