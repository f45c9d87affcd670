// Package orchestrator is the session orchestration core: it owns the
// per-channel supervisors, the message pipeline and the reconciler, and is
// the only place where channel adapters, the AI dispatcher and the store
// meet. One Orchestrator is constructed at process start and handed to the
// HTTP layer; there is no ambient global state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MutazGhazal/npai-backend/pkg/npai/ai"
	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
)

// greetingReply answers the /start command.
const greetingReply = "مرحباً! 👋 كيف يمكنني مساعدتك؟"

// emptyReplyPlaceholder is sent when the dispatcher produced no text.
const emptyReplyPlaceholder = "..."

// Generator produces replies. Satisfied by *ai.Dispatcher.
type Generator interface {
	Generate(ctx context.Context, userText, systemPrompt, convKey string) ai.Reply
	ClearSession(convKey string)
}

// Pipeline routes every inbound user message, regardless of channel family:
// filter, resolve the conversation, persist the user turn, generate, persist
// the bot turn, send the reply. Execution is serialized per conversation key
// so concurrent messages from one user cannot interleave their history.
type Pipeline struct {
	store  store.Store
	ai     Generator
	logger *slog.Logger

	// locks holds one mutex per conversation key.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPipeline creates the shared message pipeline.
func NewPipeline(st store.Store, gen Generator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:  st,
		ai:     gen,
		logger: logger.With("component", "pipeline"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// ConversationKey derives the stable key tying an end user's messages on one
// channel to one logical conversation.
func ConversationKey(family channels.Family, botID, endUserID string) string {
	return fmt.Sprintf("%s:%s:%s", family, botID, endUserID)
}

// keyLock returns the mutex for a conversation key, creating it on first use.
func (p *Pipeline) keyLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// Handle processes one inbound message end to end. It never panics or
// returns an error into the adapter's event loop: every failure degrades to
// the dispatcher's fallback reply or a logged send error.
func (p *Pipeline) Handle(ctx context.Context, family channels.Family, botID string, adapter channels.Adapter, msg *channels.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic recovered",
				"bot_id", botID, "channel", family, "panic", r)
		}
	}()

	// Step 1: filter out everything that must not reach the model.
	text := strings.TrimSpace(msg.Text)
	if msg.IsEcho || msg.IsGroup || text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		if text == "/start" {
			if err := adapter.Send(ctx, msg.ChatID, greetingReply); err != nil {
				p.logger.Warn("failed to send greeting", "bot_id", botID, "error", err)
			}
		}
		return
	}

	key := ConversationKey(family, botID, msg.From)
	lock := p.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Acknowledge receipt where the channel supports it.
	if pa, ok := adapter.(channels.PresenceAdapter); ok {
		go func() {
			if err := pa.SendTyping(ctx, msg.ChatID); err != nil {
				p.logger.Debug("typing indicator failed", "bot_id", botID, "error", err)
			}
		}()
	}

	// Step 2: resolve the conversation record. A store failure degrades to
	// an unpersisted reply, never a dropped one.
	conv, err := p.store.GetOrCreateConversation(ctx, botID, msg.From, msg.FromName)
	if err != nil {
		p.logger.Error("conversation lookup failed",
			"bot_id", botID, "end_user", msg.From, "error", err)
	}

	// Step 3: persist the user turn without blocking the reply.
	if conv != nil {
		go p.saveTurn(conv.ID, "user", text, 0, 0)
	}

	// Step 4: active system prompt, absence is fine.
	systemPrompt := ""
	if prompt, err := p.store.GetActivePrompt(ctx, botID); err != nil {
		p.logger.Warn("prompt lookup failed", "bot_id", botID, "error", err)
	} else if prompt != nil {
		systemPrompt = prompt.Text
	}

	// Step 5: generate. Never errors.
	reply := p.ai.Generate(ctx, text, systemPrompt, key)

	// Step 6: persist the bot turn with usage metrics.
	if conv != nil {
		go p.saveTurn(conv.ID, "assistant", reply.Text, reply.Tokens, reply.ElapsedMs)
	}

	// Step 7: send, substituting the placeholder for an empty reply.
	out := reply.Text
	if strings.TrimSpace(out) == "" {
		out = emptyReplyPlaceholder
	}
	if err := adapter.Send(ctx, msg.ChatID, out); err != nil {
		p.logger.Error("failed to send reply",
			"bot_id", botID, "channel", family, "chat", msg.ChatID, "error", err)
	}
}

// ClearConversation drops the cached context window for one conversation.
func (p *Pipeline) ClearConversation(family channels.Family, botID, endUserID string) {
	p.ai.ClearSession(ConversationKey(family, botID, endUserID))
}

// saveTurn persists one turn, logging failures instead of surfacing them.
func (p *Pipeline) saveTurn(conversationID, role, content string, tokens int, latencyMs int64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := p.store.SaveMessage(ctx, conversationID, role, content, tokens, latencyMs); err != nil {
		p.logger.Error("failed to persist turn",
			"conversation_id", conversationID, "role", role, "error", err)
	}
}
