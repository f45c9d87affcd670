package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/ai"
	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
)

// ---------- Fake Adapter ----------

type sentMsg struct {
	To   string
	Text string
}

// fakeAdapter is a scriptable channel adapter for supervisor tests. Tests
// drive its lifecycle by emitting state changes and inbound messages.
type fakeAdapter struct {
	mu          sync.Mutex
	connectErr  error
	connected   bool
	connects    int
	disconnects int
	logouts     int
	sent        []sentMsg
	typing      []string

	onMessage channels.MessageHandler
	onState   channels.StateHandler
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeAdapter) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.connected = false
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return channels.ErrChannelDisconnected
	}
	f.sent = append(f.sent, sentMsg{To: to, Text: text})
	return nil
}

func (f *fakeAdapter) SendTyping(_ context.Context, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, to)
	return nil
}

func (f *fakeAdapter) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) OnMessage(fn channels.MessageHandler) { f.onMessage = fn }

func (f *fakeAdapter) OnStateChange(fn channels.StateHandler) { f.onState = fn }

func (f *fakeAdapter) emit(evt channels.StateChange) {
	if f.onState != nil {
		f.onState(evt)
	}
}

func (f *fakeAdapter) deliver(msg *channels.IncomingMessage) {
	if f.onMessage != nil {
		f.onMessage(msg)
	}
}

func (f *fakeAdapter) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeAdapter) sentMessages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

var (
	_ channels.SessionAdapter  = (*fakeAdapter)(nil)
	_ channels.PresenceAdapter = (*fakeAdapter)(nil)
)

// ---------- Fake Generator ----------

type fakeGen struct {
	mu      sync.Mutex
	reply   string
	calls   []string
	cleared []string
}

func (g *fakeGen) Generate(_ context.Context, userText, _, convKey string) ai.Reply {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, convKey+"|"+userText)
	return ai.Reply{Text: g.reply, Tokens: 7, ElapsedMs: 3}
}

func (g *fakeGen) ClearSession(convKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, convKey)
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// ---------- Fake Store ----------

type savedMessage struct {
	ConversationID string
	Role           string
	Content        string
	Tokens         int
	LatencyMs      int64
}

type fakeStore struct {
	mu            sync.Mutex
	bots          map[string]*store.Bot
	prompts       map[string]*store.Prompt
	conversations map[string]*store.Conversation
	messages      []savedMessage
	sessions      map[string]*store.ChannelSession
	statusWrites  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:          make(map[string]*store.Bot),
		prompts:       make(map[string]*store.Prompt),
		conversations: make(map[string]*store.Conversation),
		sessions:      make(map[string]*store.ChannelSession),
	}
}

func (s *fakeStore) CreateBot(_ context.Context, bot *store.Bot) (*store.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[bot.ID] = bot
	return bot, nil
}

func (s *fakeStore) GetBot(_ context.Context, botID string) (*store.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bots[botID], nil
}

func (s *fakeStore) GetUserBot(_ context.Context, userID string) (*store.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bots {
		if b.UserID == userID {
			return b, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) DeleteBot(_ context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, botID)
	return nil
}

func (s *fakeStore) SaveActivePrompt(_ context.Context, prompt *store.Prompt) (*store.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt.Active = true
	s.prompts[prompt.BotID] = prompt
	return prompt, nil
}

func (s *fakeStore) GetActivePrompt(_ context.Context, botID string) (*store.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[botID], nil
}

func (s *fakeStore) DeactivatePrompt(_ context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prompts, botID)
	return nil
}

func (s *fakeStore) GetOrCreateConversation(_ context.Context, botID, endUserID, username string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := botID + "/" + endUserID
	if conv, ok := s.conversations[key]; ok {
		return conv, nil
	}
	conv := &store.Conversation{
		ID:        fmt.Sprintf("conv-%d", len(s.conversations)+1),
		BotID:     botID,
		EndUserID: endUserID,
		Username:  username,
		StartedAt: time.Now(),
	}
	s.conversations[key] = conv
	return conv, nil
}

func (s *fakeStore) SaveMessage(_ context.Context, conversationID, role, content string, tokens int, latencyMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, savedMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		LatencyMs:      latencyMs,
	})
	return nil
}

func (s *fakeStore) ListConversations(_ context.Context, botID string, limit int) ([]*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Conversation, 0)
	for _, c := range s.conversations {
		if c.BotID == botID {
			out = append(out, c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID string, limit int) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, &store.Message{
				ConversationID: m.ConversationID,
				Role:           m.Role,
				Content:        m.Content,
				TokensUsed:     m.Tokens,
				ResponseTimeMs: m.LatencyMs,
			})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) BotStats(_ context.Context, botID string) (*store.BotStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &store.BotStats{BotID: botID}
	convIDs := make(map[string]bool)
	for _, c := range s.conversations {
		if c.BotID == botID {
			stats.Conversations++
			convIDs[c.ID] = true
		}
	}
	for _, m := range s.messages {
		if convIDs[m.ConversationID] {
			stats.Messages++
			stats.TokensUsed += int64(m.Tokens)
		}
	}
	return stats, nil
}

func (s *fakeStore) SaveChannelSession(_ context.Context, session *store.ChannelSession) (*store.ChannelSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.BotID+"/"+session.Channel] = session
	return session, nil
}

func (s *fakeStore) GetChannelSession(_ context.Context, botID, channel string) (*store.ChannelSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[botID+"/"+channel], nil
}

func (s *fakeStore) GetChannelSessionByPageID(_ context.Context, pageID string) (*store.ChannelSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.PageID == pageID {
			return sess, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateChannelStatus(_ context.Context, botID, channel, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusWrites = append(s.statusWrites, botID+"/"+channel+"="+status)
	if sess, ok := s.sessions[botID+"/"+channel]; ok {
		sess.Status = status
	}
	return nil
}

func (s *fakeStore) DeleteChannelSession(_ context.Context, botID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, botID+"/"+channel)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) savedMessages() []savedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]savedMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

var _ store.Store = (*fakeStore)(nil)
