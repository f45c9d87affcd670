package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
	"github.com/MutazGhazal/npai-backend/pkg/npai/channels/telegram"
	"github.com/MutazGhazal/npai-backend/pkg/npai/crypto"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
)

// BotManager supervises the polling channel family. One live Telegram
// adapter per started bot; presence in the registry is the single source of
// truth for "is this bot running".
type BotManager struct {
	store    store.Store
	cipher   *crypto.Cipher
	pipeline *Pipeline
	logger   *slog.Logger

	// baseCtx outlives any HTTP request that triggers a start.
	baseCtx context.Context

	// newAdapter is swapped for a fake in tests.
	newAdapter func(token string) channels.Adapter

	mu      sync.Mutex
	running map[string]channels.Adapter

	// botLocks serializes start/stop/restart per bot id.
	lockMu   sync.Mutex
	botLocks map[string]*sync.Mutex
}

// NewBotManager creates the polling-channel supervisor.
func NewBotManager(ctx context.Context, st store.Store, cipher *crypto.Cipher, pipeline *Pipeline, logger *slog.Logger) *BotManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &BotManager{
		store:    st,
		cipher:   cipher,
		pipeline: pipeline,
		logger:   logger.With("component", "bot_manager"),
		baseCtx:  ctx,
		running:  make(map[string]channels.Adapter),
		botLocks: make(map[string]*sync.Mutex),
	}
	m.newAdapter = func(token string) channels.Adapter {
		return telegram.New(token, logger)
	}
	return m
}

// botLock returns the per-bot mutex, creating it on first use.
func (m *BotManager) botLock(botID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.botLocks[botID]
	if !ok {
		l = &sync.Mutex{}
		m.botLocks[botID] = l
	}
	return l
}

// Start launches the bot's polling adapter. Idempotent: a bot that is
// already running is left untouched.
func (m *BotManager) Start(ctx context.Context, botID string) error {
	l := m.botLock(botID)
	l.Lock()
	defer l.Unlock()
	return m.startLocked(ctx, botID)
}

func (m *BotManager) startLocked(ctx context.Context, botID string) error {
	m.mu.Lock()
	_, exists := m.running[botID]
	m.mu.Unlock()
	if exists {
		m.logger.Debug("bot already running", "bot_id", botID)
		return nil
	}

	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("loading bot %s: %w", botID, err)
	}
	if bot == nil {
		return fmt.Errorf("bot %s not found", botID)
	}

	token := m.cipher.Decrypt(bot.Token)

	adapter := m.newAdapter(token)
	adapter.OnMessage(func(msg *channels.IncomingMessage) {
		go m.pipeline.Handle(m.baseCtx, channels.FamilyTelegram, botID, adapter, msg)
	})

	if err := adapter.Connect(m.baseCtx); err != nil {
		return fmt.Errorf("starting bot %s: %w", botID, err)
	}

	m.mu.Lock()
	m.running[botID] = adapter
	m.mu.Unlock()

	m.logger.Info("bot started", "bot_id", botID, "name", bot.Name)
	return nil
}

// Stop disconnects the bot's adapter. Returns false when the bot was not
// running; that is not an error.
func (m *BotManager) Stop(botID string) bool {
	l := m.botLock(botID)
	l.Lock()
	defer l.Unlock()
	return m.stopLocked(botID)
}

func (m *BotManager) stopLocked(botID string) bool {
	m.mu.Lock()
	adapter, exists := m.running[botID]
	if exists {
		delete(m.running, botID)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}
	if err := adapter.Disconnect(); err != nil {
		m.logger.Warn("error disconnecting bot", "bot_id", botID, "error", err)
	}
	m.logger.Info("bot stopped", "bot_id", botID)
	return true
}

// Restart stops and starts the bot as one serialized operation, so no
// concurrent caller observes a half-restarted bot.
func (m *BotManager) Restart(ctx context.Context, botID string) error {
	l := m.botLock(botID)
	l.Lock()
	defer l.Unlock()

	m.stopLocked(botID)
	return m.startLocked(ctx, botID)
}

// IsRunning reports whether the bot has a live adapter.
func (m *BotManager) IsRunning(botID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[botID]
	return ok
}

// Running returns the ids of all running bots.
func (m *BotManager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// StopAll disconnects every running bot. Used at shutdown.
func (m *BotManager) StopAll() {
	for _, id := range m.Running() {
		m.Stop(id)
	}
}
