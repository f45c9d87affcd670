package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// schema is idempotent; applied on every open.
const schema = `
CREATE TABLE IF NOT EXISTS user_bots (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	bot_token TEXT NOT NULL,
	bot_name TEXT NOT NULL,
	bot_username TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_user_bots_user ON user_bots(user_id);

CREATE TABLE IF NOT EXISTS bot_prompts (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	prompt_text TEXT NOT NULL,
	file_name TEXT,
	file_type TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_bot_prompts_active ON bot_prompts(bot_id, is_active);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	end_user_id TEXT NOT NULL,
	username TEXT,
	started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	ended_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open
	ON conversations(bot_id, end_user_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	message_type TEXT NOT NULL,
	content TEXT NOT NULL,
	ai_tokens_used INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS channel_sessions (
	bot_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	page_id TEXT,
	page_access_token TEXT,
	webhook_url TEXT,
	status TEXT NOT NULL DEFAULT 'disconnected',
	last_connected_at DATETIME,
	PRIMARY KEY (bot_id, channel)
);
CREATE INDEX IF NOT EXISTS idx_channel_sessions_page ON channel_sessions(page_id);
`

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/npai.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------- Bots ----------

func (s *SQLiteStore) CreateBot(ctx context.Context, bot *Bot) (*Bot, error) {
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_bots (id, user_id, bot_token, bot_name, bot_username) VALUES (?, ?, ?, ?, ?)`,
		bot.ID, bot.UserID, bot.Token, bot.Name, bot.Username)
	if err != nil {
		return nil, fmt.Errorf("insert bot: %w", err)
	}
	return s.GetBot(ctx, bot.ID)
}

func (s *SQLiteStore) GetBot(ctx context.Context, botID string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, bot_token, bot_name, COALESCE(bot_username, ''), created_at
		 FROM user_bots WHERE id = ?`, botID)
	return scanBot(row)
}

func (s *SQLiteStore) GetUserBot(ctx context.Context, userID string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, bot_token, bot_name, COALESCE(bot_username, ''), created_at
		 FROM user_bots WHERE user_id = ? LIMIT 1`, userID)
	return scanBot(row)
}

func (s *SQLiteStore) DeleteBot(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_bots WHERE id = ?`, botID)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	return nil
}

func scanBot(row *sql.Row) (*Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.UserID, &b.Token, &b.Name, &b.Username, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	return &b, nil
}

// ---------- Prompts ----------

func (s *SQLiteStore) SaveActivePrompt(ctx context.Context, prompt *Prompt) (*Prompt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE bot_prompts SET is_active = 0 WHERE bot_id = ?`, prompt.BotID); err != nil {
		return nil, fmt.Errorf("deactivate prompts: %w", err)
	}

	if prompt.ID == "" {
		prompt.ID = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bot_prompts (id, bot_id, prompt_text, file_name, file_type, is_active)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		prompt.ID, prompt.BotID, prompt.Text, prompt.FileName, prompt.FileType); err != nil {
		return nil, fmt.Errorf("insert prompt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prompt: %w", err)
	}
	return s.GetActivePrompt(ctx, prompt.BotID)
}

func (s *SQLiteStore) GetActivePrompt(ctx context.Context, botID string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, prompt_text, COALESCE(file_name, ''), COALESCE(file_type, ''), is_active, created_at
		 FROM bot_prompts WHERE bot_id = ? AND is_active = 1 LIMIT 1`, botID)

	var p Prompt
	err := row.Scan(&p.ID, &p.BotID, &p.Text, &p.FileName, &p.FileType, &p.Active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan prompt: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) DeactivatePrompt(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bot_prompts SET is_active = 0 WHERE bot_id = ? AND is_active = 1`, botID)
	if err != nil {
		return fmt.Errorf("deactivate prompt: %w", err)
	}
	return nil
}

// ---------- Conversations & messages ----------

func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, botID, endUserID, username string) (*Conversation, error) {
	if conv, err := s.openConversation(ctx, botID, endUserID); err != nil || conv != nil {
		return conv, err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, bot_id, end_user_id, username) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), botID, endUserID, username)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	// Re-read covers the lost-race case: the unique index on the open
	// conversation guarantees both writers converge on one row.
	return s.openConversation(ctx, botID, endUserID)
}

func (s *SQLiteStore) openConversation(ctx context.Context, botID, endUserID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, end_user_id, COALESCE(username, ''), started_at, ended_at
		 FROM conversations WHERE bot_id = ? AND end_user_id = ? AND ended_at IS NULL`,
		botID, endUserID)

	var c Conversation
	var ended sql.NullTime
	err := row.Scan(&c.ID, &c.BotID, &c.EndUserID, &c.Username, &c.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if ended.Valid {
		c.EndedAt = &ended.Time
	}
	return &c, nil
}

// defaultListLimit caps read queries that arrive without an explicit limit.
const defaultListLimit = 50

func (s *SQLiteStore) ListConversations(ctx context.Context, botID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, end_user_id, COALESCE(username, ''), started_at, ended_at
		 FROM conversations WHERE bot_id = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]*Conversation, 0)
	for rows.Next() {
		var c Conversation
		var ended sql.NullTime
		if err := rows.Scan(&c.ID, &c.BotID, &c.EndUserID, &c.Username, &c.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if ended.Valid {
			c.EndedAt = &ended.Time
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, message_type, content, ai_tokens_used, response_time_ms, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at, rowid LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.TokensUsed, &m.ResponseTimeMs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) BotStats(ctx context.Context, botID string) (*BotStats, error) {
	stats := &BotStats{BotID: botID}
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM conversations WHERE bot_id = ?),
			(SELECT COUNT(*) FROM messages m
				JOIN conversations c ON m.conversation_id = c.id WHERE c.bot_id = ?),
			(SELECT COALESCE(SUM(m.ai_tokens_used), 0) FROM messages m
				JOIN conversations c ON m.conversation_id = c.id WHERE c.bot_id = ?)`,
		botID, botID, botID).
		Scan(&stats.Conversations, &stats.Messages, &stats.TokensUsed)
	if err != nil {
		return nil, fmt.Errorf("bot stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID, role, content string, tokens int, latencyMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, message_type, content, ai_tokens_used, response_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), conversationID, role, content, tokens, latencyMs)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ---------- Channel sessions ----------

func (s *SQLiteStore) SaveChannelSession(ctx context.Context, session *ChannelSession) (*ChannelSession, error) {
	if session.LastConnectedAt.IsZero() {
		session.LastConnectedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_sessions (bot_id, channel, page_id, page_access_token, webhook_url, status, last_connected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bot_id, channel) DO UPDATE SET
			page_id = excluded.page_id,
			page_access_token = excluded.page_access_token,
			webhook_url = excluded.webhook_url,
			status = excluded.status,
			last_connected_at = excluded.last_connected_at`,
		session.BotID, session.Channel, session.PageID, session.PageAccessToken,
		session.WebhookURL, session.Status, session.LastConnectedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert channel session: %w", err)
	}
	return s.GetChannelSession(ctx, session.BotID, session.Channel)
}

func (s *SQLiteStore) GetChannelSession(ctx context.Context, botID, channel string) (*ChannelSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bot_id, channel, COALESCE(page_id, ''), COALESCE(page_access_token, ''),
			COALESCE(webhook_url, ''), status, last_connected_at
		 FROM channel_sessions WHERE bot_id = ? AND channel = ?`, botID, channel)
	return scanChannelSession(row)
}

func (s *SQLiteStore) GetChannelSessionByPageID(ctx context.Context, pageID string) (*ChannelSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bot_id, channel, COALESCE(page_id, ''), COALESCE(page_access_token, ''),
			COALESCE(webhook_url, ''), status, last_connected_at
		 FROM channel_sessions WHERE page_id = ?`, pageID)
	return scanChannelSession(row)
}

func (s *SQLiteStore) UpdateChannelStatus(ctx context.Context, botID, channel, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_sessions SET status = ? WHERE bot_id = ? AND channel = ?`,
		status, botID, channel)
	if err != nil {
		return fmt.Errorf("update channel status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChannelSession(ctx context.Context, botID, channel string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_sessions WHERE bot_id = ? AND channel = ?`, botID, channel)
	if err != nil {
		return fmt.Errorf("delete channel session: %w", err)
	}
	return nil
}

func scanChannelSession(row *sql.Row) (*ChannelSession, error) {
	var cs ChannelSession
	var connectedAt sql.NullTime
	err := row.Scan(&cs.BotID, &cs.Channel, &cs.PageID, &cs.PageAccessToken,
		&cs.WebhookURL, &cs.Status, &connectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel session: %w", err)
	}
	if connectedAt.Valid {
		cs.LastConnectedAt = connectedAt.Time
	}
	return &cs, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time interface verification.
var _ Store = (*SQLiteStore)(nil)
