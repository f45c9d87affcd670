// Package messenger implements the Meta Messenger channel over the Graph
// API. Unlike the socket channels, inbound traffic arrives by webhook: the
// HTTP layer verifies the subscription and feeds page events into the
// adapter through HandleIncoming, while sends go out as Graph API calls.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
)

const defaultAPIVersion = "v19.0"

// Adapter implements channels.Adapter and channels.PresenceAdapter for one
// Messenger page.
type Adapter struct {
	pageID      string
	accessToken string
	apiVersion  string
	logger      *slog.Logger
	client      *http.Client

	// baseURL is the Graph API base (https://graph.facebook.com).
	baseURL string

	onMessage channels.MessageHandler
	onState   channels.StateHandler

	// connected is set once the page token has been verified.
	connected atomic.Bool

	// lastMsg tracks the last webhook delivery for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive send errors.
	errorCount atomic.Int64

	// pageName is resolved from the Graph API on connect.
	pageName string
}

// New creates an adapter for the given page.
func New(pageID, accessToken, apiVersion string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &Adapter{
		pageID:      pageID,
		accessToken: accessToken,
		apiVersion:  apiVersion,
		logger:      logger.With("component", "messenger", "page_id", pageID),
		client:      &http.Client{Timeout: 30 * time.Second},
		baseURL:     "https://graph.facebook.com",
	}
}

// ---------- Adapter Interface ----------

// Name returns "messenger".
func (a *Adapter) Name() string { return string(channels.FamilyMessenger) }

// OnMessage registers the inbound-message handler.
func (a *Adapter) OnMessage(fn channels.MessageHandler) { a.onMessage = fn }

// OnStateChange registers the state handler.
func (a *Adapter) OnStateChange(fn channels.StateHandler) { a.onState = fn }

// Connect verifies the page access token against the Graph API. There is no
// persistent socket: "connected" means the page can be messaged.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.accessToken == "" {
		return fmt.Errorf("messenger: page access token is required")
	}

	a.emitState(channels.StateChange{Phase: channels.PhaseConnecting})

	page, err := a.getPage(ctx)
	if err != nil {
		a.emitState(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseTransient,
			Err:   err,
		})
		return fmt.Errorf("messenger: verifying page token: %w", err)
	}

	a.pageName = page.Name
	a.connected.Store(true)
	a.logger.Info("messenger: page connected", "page", page.Name)
	a.emitState(channels.StateChange{
		Phase:     channels.PhaseOpen,
		AccountID: page.ID,
	})
	return nil
}

// Disconnect marks the page as no longer serviced. Webhook deliveries for
// it are dropped until the next Connect.
func (a *Adapter) Disconnect() error {
	if a.connected.Swap(false) {
		a.logger.Info("messenger: page disconnected")
		a.emitState(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseManual,
		})
	}
	return nil
}

// Send delivers a text message to the given PSID.
func (a *Adapter) Send(ctx context.Context, to, text string) error {
	if !a.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	payload := map[string]any{
		"recipient": map[string]string{"id": to},
		"message":   map[string]string{"text": text},
	}
	if err := a.apiCall(ctx, payload); err != nil {
		a.errorCount.Add(1)
		return err
	}
	return nil
}

// IsConnected reports whether the page token has been verified.
func (a *Adapter) IsConnected() bool { return a.connected.Load() }

// PageID returns the page this adapter serves.
func (a *Adapter) PageID() string { return a.pageID }

// PageName returns the page name resolved on connect.
func (a *Adapter) PageName() string { return a.pageName }

// Health returns the channel health status.
func (a *Adapter) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  a.connected.Load(),
		ErrorCount: int(a.errorCount.Load()),
	}
	if t, ok := a.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

// ---------- PresenceAdapter Interface ----------

// SendTyping shows the typing indicator to the recipient.
func (a *Adapter) SendTyping(ctx context.Context, to string) error {
	if !a.connected.Load() {
		return nil
	}
	return a.apiCall(ctx, map[string]any{
		"recipient":     map[string]string{"id": to},
		"sender_action": "typing_on",
	})
}

// ---------- Webhook Delivery ----------

// WebhookMessaging is one messaging entry from a page webhook event.
type WebhookMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *WebhookMessage `json:"message"`
}

// WebhookMessage is the message payload of a messaging entry.
type WebhookMessage struct {
	MID         string `json:"mid"`
	Text        string `json:"text"`
	IsEcho      bool   `json:"is_echo"`
	AppID       int64  `json:"app_id"`
	Attachments []struct {
		Type string `json:"type"`
	} `json:"attachments"`
}

// HandleIncoming converts a webhook messaging entry and hands it to the
// message handler. Entries without a message payload are ignored.
func (a *Adapter) HandleIncoming(m *WebhookMessaging) {
	if m == nil || m.Message == nil {
		return
	}
	a.lastMsg.Store(time.Now())

	msg := &channels.IncomingMessage{
		ID:        m.Message.MID,
		From:      m.Sender.ID,
		ChatID:    m.Sender.ID,
		IsEcho:    m.Message.IsEcho,
		Text:      m.Message.Text,
		Timestamp: time.UnixMilli(m.Timestamp),
	}

	if a.onMessage != nil {
		a.onMessage(msg)
	}
}

// ---------- Internal ----------

func (a *Adapter) emitState(evt channels.StateChange) {
	if a.onState != nil {
		a.onState(evt)
	}
}

type graphPage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// getPage resolves the page behind the access token.
func (a *Adapter) getPage(ctx context.Context) (*graphPage, error) {
	url := fmt.Sprintf("%s/%s/me?fields=id,name&access_token=%s",
		a.baseURL, a.apiVersion, a.accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, graphError(resp.StatusCode, body)
	}

	var page graphPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	return &page, nil
}

// apiCall posts to the page's messages endpoint.
func (a *Adapter) apiCall(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messenger: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/me/messages?access_token=%s",
		a.baseURL, a.apiVersion, a.accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messenger: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("messenger: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("messenger: %w", graphError(resp.StatusCode, respBody))
	}
	return nil
}

// graphError extracts the Graph API error message from a failed response.
func graphError(status int, body []byte) error {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error.Message != "" {
		return fmt.Errorf("graph API error %d: %s", payload.Error.Code, payload.Error.Message)
	}
	return fmt.Errorf("graph API returned %d", status)
}

// Compile-time interface verification.
var (
	_ channels.Adapter         = (*Adapter)(nil)
	_ channels.PresenceAdapter = (*Adapter)(nil)
)
