// Package whatsapp implements the WhatsApp channel using whatsmeow, the
// native Go WhatsApp Web multi-device library.
//
// Each bot gets its own adapter with its own session database under the
// session directory. Pairing runs over a QR channel streamed to the state
// handler. The adapter never reconnects on its own: every close is reported
// with its cause and the supervisor decides what happens next.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
)

// Adapter implements channels.SessionAdapter and channels.PresenceAdapter
// for one WhatsApp device session.
type Adapter struct {
	botID      string
	sessionDir string
	logger     *slog.Logger
	client     *whatsmeow.Client
	container  *sqlstore.Container

	onMessage channels.MessageHandler
	onState   channels.StateHandler

	// connected tracks connection state.
	connected atomic.Bool

	// manualClose suppresses close events caused by a local Disconnect or
	// Logout, so the supervisor never retries its own stop.
	manualClose atomic.Bool

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an adapter for one bot. The session database lives at
// {sessionDir}/{botID}.db so multiple bots never share device credentials.
func New(botID, sessionDir string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		botID:      botID,
		sessionDir: sessionDir,
		logger:     logger.With("component", "whatsapp", "bot_id", botID),
	}
}

// ---------- Adapter Interface ----------

// Name returns "whatsapp".
func (a *Adapter) Name() string { return string(channels.FamilyWhatsApp) }

// OnMessage registers the inbound-message handler.
func (a *Adapter) OnMessage(fn channels.MessageHandler) { a.onMessage = fn }

// OnStateChange registers the state handler.
func (a *Adapter) OnStateChange(fn channels.StateHandler) { a.onState = fn }

// Connect opens the session store and starts the connect sequence. When no
// device credentials exist yet the QR pairing flow runs in the background
// and progress arrives through the state handler; the call itself returns
// as soon as the socket attempt is underway.
func (a *Adapter) Connect(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.manualClose.Store(false)

	a.emitState(channels.StateChange{Phase: channels.PhaseConnecting})

	dbPath := filepath.Join(a.sessionDir, a.botID+".db")
	container, err := sqlstore.New(a.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	a.container = container

	device, err := a.getDevice(a.ctx, container)
	if err != nil {
		a.closeContainer()
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked-devices list.
	store.SetOSInfo("NP AI", [3]uint32{1, 0, 0})

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	// Reconnects are the supervisor's job, including the post-pairing
	// restart, which surfaces as a close with a restart cause.
	a.client.EnableAutoReconnect = false

	if a.client.Store.ID == nil {
		a.logger.Info("whatsapp: no existing session, starting QR pairing")
		go func() {
			if err := a.loginWithQR(a.ctx); err != nil {
				a.logger.Warn("whatsapp: QR pairing did not complete", "error", err)
			}
		}()
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	a.logger.Info("whatsapp: connecting with existing session", "jid", a.AccountID())
	return nil
}

// Disconnect closes the socket, keeping the device session valid.
func (a *Adapter) Disconnect() error {
	a.manualClose.Store(true)
	a.connected.Store(false)

	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	a.closeContainer()

	a.logger.Info("whatsapp: disconnected")
	a.emitState(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: channels.CauseManual,
	})
	return nil
}

// Logout disconnects and invalidates the device session on the remote side.
// The next connect will need a fresh QR scan.
func (a *Adapter) Logout() error {
	if a.client == nil {
		return nil
	}

	a.manualClose.Store(true)
	a.connected.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.client.Logout(ctx); err != nil {
		a.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		a.client.Disconnect()
		if a.client.Store != nil {
			if delErr := a.client.Store.Delete(ctx); delErr != nil {
				a.logger.Warn("whatsapp: failed to delete session store", "error", delErr)
			}
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.closeContainer()

	a.logger.Info("whatsapp: logged out, session cleared")
	a.emitState(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: channels.CauseManual,
	})
	return nil
}

// Send sends a text message to the JID or phone number in to.
func (a *Adapter) Send(ctx context.Context, to, text string) error {
	if !a.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	_, err = a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		a.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// IsConnected returns true while the socket is open and authenticated.
func (a *Adapter) IsConnected() bool { return a.connected.Load() }

// AccountID returns the linked account JID, or "" before pairing.
func (a *Adapter) AccountID() string {
	if a.client != nil && a.client.Store.ID != nil {
		return a.client.Store.ID.String()
	}
	return ""
}

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

// SendTyping sends a composing chat presence.
func (a *Adapter) SendTyping(ctx context.Context, to string) error {
	if !a.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return a.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// ---------- Internal ----------

func (a *Adapter) emitState(evt channels.StateChange) {
	if a.onState != nil {
		a.onState(evt)
	}
}

// closeContainer releases the session database handle. Safe to call twice.
func (a *Adapter) closeContainer() {
	if a.container == nil {
		return
	}
	if err := a.container.Close(); err != nil {
		a.logger.Debug("whatsapp: closing session store", "error", err)
	}
	a.container = nil
}

// getDevice retrieves the existing device or creates a new one.
func (a *Adapter) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR pairing flow, streaming each code to the state
// handler until pairing succeeds or the codes run out.
func (a *Adapter) loginWithQR(ctx context.Context) error {
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return nil
			}

			switch evt.Event {
			case "code":
				a.logger.Info("whatsapp: QR code ready")
				a.emitState(channels.StateChange{
					Phase:       channels.PhasePairing,
					PairingCode: evt.Code,
				})

			case "success":
				// The Connected event reports the open phase.
				a.logger.Info("whatsapp: pairing successful")
				return nil

			case "timeout":
				a.logger.Warn("whatsapp: QR code expired")
				if !a.manualClose.Load() {
					a.emitState(channels.StateChange{
						Phase: channels.PhaseClosed,
						Cause: channels.CauseTransient,
						Err:   fmt.Errorf("QR code expired"),
					})
				}
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					a.logger.Error("whatsapp: QR pairing error", "error", evt.Error)
					if !a.manualClose.Load() {
						a.emitState(channels.StateChange{
							Phase: channels.PhaseClosed,
							Cause: channels.CauseTransient,
							Err:   evt.Error,
						})
					}
					return fmt.Errorf("QR pairing: %w", evt.Error)
				}
			}
		}
	}
}

// parseJID converts a string to types.JID. Accepts bare phone numbers
// ("966512345678"), user JIDs and group JIDs.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}

// Compile-time interface verification.
var (
	_ channels.SessionAdapter  = (*Adapter)(nil)
	_ channels.PresenceAdapter = (*Adapter)(nil)
)
