// Package store persists bots, prompts, conversations, messages and channel
// sessions. The orchestration core treats every call as fallible: reads
// return (nil, nil) for absent rows and callers continue best-effort on
// errors, so a store outage degrades replies instead of dropping them.
package store

import (
	"context"
	"time"
)

// Bot is one tenant's bot configuration. Token is stored encrypted.
type Bot struct {
	ID        string
	UserID    string
	Token     string
	Name      string
	Username  string
	CreatedAt time.Time
}

// Prompt is a system-prompt version for a bot. At most one is active.
type Prompt struct {
	ID        string
	BotID     string
	Text      string
	FileName  string
	FileType  string
	Active    bool
	CreatedAt time.Time
}

// Conversation ties one end-user's messages on one bot together.
type Conversation struct {
	ID        string
	BotID     string
	EndUserID string
	Username  string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Message is one persisted turn of a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	TokensUsed     int
	ResponseTimeMs int64
	CreatedAt      time.Time
}

// BotStats aggregates a bot's persisted conversation history.
type BotStats struct {
	BotID         string
	Conversations int
	Messages      int
	TokensUsed    int64
}

// ChannelSession is the persisted state of a (bot, channel) binding.
type ChannelSession struct {
	BotID           string
	Channel         string
	PageID          string
	PageAccessToken string
	WebhookURL      string
	Status          string
	LastConnectedAt time.Time
}

// Store is the external data-store boundary.
type Store interface {
	// CreateBot inserts a bot. Token must already be encrypted.
	CreateBot(ctx context.Context, bot *Bot) (*Bot, error)

	// GetBot returns the bot by id, or (nil, nil) when absent.
	GetBot(ctx context.Context, botID string) (*Bot, error)

	// GetUserBot returns the bot owned by userID, or (nil, nil).
	GetUserBot(ctx context.Context, userID string) (*Bot, error)

	// DeleteBot removes the bot row.
	DeleteBot(ctx context.Context, botID string) error

	// SaveActivePrompt deactivates any prior active prompt for the bot and
	// inserts the new one as active, atomically.
	SaveActivePrompt(ctx context.Context, prompt *Prompt) (*Prompt, error)

	// GetActivePrompt returns the active prompt, or (nil, nil).
	GetActivePrompt(ctx context.Context, botID string) (*Prompt, error)

	// DeactivatePrompt marks the active prompt inactive.
	DeactivatePrompt(ctx context.Context, botID string) error

	// GetOrCreateConversation finds the open conversation for
	// (botID, endUserID) or creates one. Concurrent callers for the same
	// pair always get the same row.
	GetOrCreateConversation(ctx context.Context, botID, endUserID, username string) (*Conversation, error)

	// SaveMessage appends one turn to a conversation.
	SaveMessage(ctx context.Context, conversationID, role, content string, tokens int, latencyMs int64) error

	// ListConversations returns the bot's conversations, newest first.
	// limit <= 0 applies the default page size.
	ListConversations(ctx context.Context, botID string, limit int) ([]*Conversation, error)

	// ListMessages returns a conversation's messages in chronological
	// order. limit <= 0 applies the default page size.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// BotStats aggregates conversation, message and token totals for a bot.
	BotStats(ctx context.Context, botID string) (*BotStats, error)

	// SaveChannelSession upserts the session row keyed by (bot, channel).
	SaveChannelSession(ctx context.Context, session *ChannelSession) (*ChannelSession, error)

	// GetChannelSession returns the session, or (nil, nil).
	GetChannelSession(ctx context.Context, botID, channel string) (*ChannelSession, error)

	// GetChannelSessionByPageID resolves a webhook page id to its session,
	// or (nil, nil).
	GetChannelSessionByPageID(ctx context.Context, pageID string) (*ChannelSession, error)

	// UpdateChannelStatus updates only the status column.
	UpdateChannelStatus(ctx context.Context, botID, channel, status string) error

	// DeleteChannelSession removes the session row.
	DeleteChannelSession(ctx context.Context, botID, channel string) error

	// Close releases the underlying connection.
	Close() error
}
