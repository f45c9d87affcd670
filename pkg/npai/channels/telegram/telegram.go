// Package telegram implements the Telegram channel using the Bot API
// directly via HTTP.
//
// Each bot gets its own adapter instance: the token is verified with getMe,
// then a long-polling loop (getUpdates) feeds text messages to the handler.
// Replies go out through sendMessage, with sendChatAction for typing.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
)

// Adapter implements channels.Adapter and channels.PresenceAdapter for one
// Telegram bot.
type Adapter struct {
	token  string
	logger *slog.Logger
	client *http.Client

	// baseURL is the Bot API base (https://api.telegram.org/bot<token>).
	baseURL string

	onMessage channels.MessageHandler
	onState   channels.StateHandler

	// connected tracks connection state.
	connected atomic.Bool

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive polling errors.
	errorCount atomic.Int64

	// offset is the last processed update ID + 1.
	offset int64

	// botUsername is resolved from getMe on connect.
	botUsername string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an adapter for the given bot token.
func New(token string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		token:   token,
		logger:  logger.With("component", "telegram"),
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: "https://api.telegram.org/bot" + token,
	}
}

// ---------- Adapter Interface ----------

// Name returns "telegram".
func (a *Adapter) Name() string { return string(channels.FamilyTelegram) }

// OnMessage registers the inbound-message handler.
func (a *Adapter) OnMessage(fn channels.MessageHandler) { a.onMessage = fn }

// OnStateChange registers the state handler.
func (a *Adapter) OnStateChange(fn channels.StateHandler) { a.onState = fn }

// Connect verifies the token with getMe and starts the polling loop.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}

	// Prevent double-connect goroutine leak.
	if a.connected.Load() {
		return nil
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.emitState(channels.StateChange{Phase: channels.PhaseConnecting})

	me, err := a.getMe()
	if err != nil {
		a.emitState(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseTransient,
			Err:   err,
		})
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	a.botUsername = me.Username
	a.connected.Store(true)
	a.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	a.emitState(channels.StateChange{
		Phase:     channels.PhaseOpen,
		AccountID: me.Username,
	})

	go a.pollLoop()

	return nil
}

// Disconnect stops the polling loop.
func (a *Adapter) Disconnect() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.connected.Swap(false) {
		a.logger.Info("telegram: disconnected")
		a.emitState(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseManual,
		})
	}
	return nil
}

// Send sends a text message to the chat identified by to.
func (a *Adapter) Send(ctx context.Context, to, text string) error {
	if !a.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	_, err = a.apiCall(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	return err
}

// IsConnected returns true while the polling loop is live.
func (a *Adapter) IsConnected() bool { return a.connected.Load() }

// BotUsername returns the username resolved on connect.
func (a *Adapter) BotUsername() string { return a.botUsername }

// Health returns the channel health status.
func (a *Adapter) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := a.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     a.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(a.errorCount.Load()),
	}
}

// ---------- PresenceAdapter Interface ----------

// SendTyping sends a "typing..." chat action. Failures are not fatal.
func (a *Adapter) SendTyping(ctx context.Context, to string) error {
	if !a.connected.Load() {
		return nil
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil
	}
	_, err = a.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// ---------- Internal Methods ----------

func (a *Adapter) emitState(evt channels.StateChange) {
	if a.onState != nil {
		a.onState(evt)
	}
}

// pollLoop runs the getUpdates long-polling loop.
func (a *Adapter) pollLoop() {
	a.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-a.ctx.Done():
			a.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := a.getUpdates(a.offset, 100, 30)
		if err != nil {
			a.errorCount.Add(1)
			a.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		a.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= a.offset {
				a.offset = u.UpdateID + 1
			}
			a.processUpdate(u)
		}
	}
}

// processUpdate converts a Telegram update into an IncomingMessage.
func (a *Adapter) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil {
		if u.EditedMessage != nil {
			msg = u.EditedMessage // treat edits as new messages
		} else {
			return
		}
	}

	from := ""
	fromName := ""
	if msg.From != nil {
		from = strconv.FormatInt(msg.From.ID, 10)
		fromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if fromName == "" {
			fromName = msg.From.Username
		}
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.Itoa(msg.MessageID),
		From:      from,
		FromName:  fromName,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup:   msg.Chat.Type == "group" || msg.Chat.Type == "supergroup",
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	a.lastMsg.Store(time.Now())

	if a.onMessage != nil {
		a.onMessage(incoming)
	}
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID      int64      `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

type tgMessage struct {
	MessageID int     `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int     `json:"date"`
	Text      string  `json:"text"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup", "channel"
}

type tgBotUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// ---------- API Helpers ----------

// apiCall makes a POST request to the Telegram Bot API.
func (a *Adapter) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	url := a.baseURL + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

// getMe verifies the bot token and returns bot info.
func (a *Adapter) getMe() (*tgBotUser, error) {
	data, err := a.apiCall(a.ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// getUpdates fetches new updates using long polling.
func (a *Adapter) getUpdates(offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := a.apiCall(a.ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message", "edited_message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

// Compile-time interface verification.
var (
	_ channels.Adapter         = (*Adapter)(nil)
	_ channels.PresenceAdapter = (*Adapter)(nil)
)
