// Package channels defines the interfaces and types shared by all NP AI
// messaging channels. Each channel family (Telegram polling, WhatsApp
// multi-device socket, Messenger webhook) implements the Adapter interface
// so the session supervisors can drive them in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Family identifies a channel family.
type Family string

const (
	FamilyTelegram  Family = "telegram"
	FamilyWhatsApp  Family = "whatsapp"
	FamilyMessenger Family = "messenger"
)

// Adapter defines the capability interface every channel client must implement.
// The supervisor owns the adapter's lifecycle; the adapter owns the wire
// protocol and nothing else.
type Adapter interface {
	// Name returns the channel family identifier (e.g. "whatsapp").
	Name() string

	// Connect begins the connect sequence. For socket channels this is
	// asynchronous: progress is reported through the state handler.
	Connect(ctx context.Context) error

	// Disconnect closes the connection without invalidating credentials.
	Disconnect() error

	// Send delivers a text message to the recipient.
	Send(ctx context.Context, to, text string) error

	// IsConnected reports whether the underlying connection is live.
	IsConnected() bool

	// OnMessage registers the inbound-message handler. Must be called
	// before Connect; only one handler is supported.
	OnMessage(fn MessageHandler)

	// OnStateChange registers the connection-state handler.
	OnStateChange(fn StateHandler)
}

// SessionAdapter extends Adapter for channels whose credentials live on the
// remote side (WhatsApp device sessions). Logout invalidates them.
type SessionAdapter interface {
	Adapter

	// Logout disconnects and clears the remote session.
	Logout() error
}

// PresenceAdapter extends Adapter with a typing indicator.
type PresenceAdapter interface {
	Adapter

	// SendTyping shows a "typing..." indicator to the recipient.
	SendTyping(ctx context.Context, to string) error
}

// MessageHandler receives inbound messages.
type MessageHandler func(msg *IncomingMessage)

// StateHandler receives connection state changes.
type StateHandler func(evt StateChange)

// IncomingMessage is an inbound user message normalized across channels.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// From is the end-user identifier on the platform.
	From string

	// FromName is the sender display name, if the platform provides one.
	FromName string

	// ChatID is where the reply should be sent.
	ChatID string

	// IsEcho is true for echoes of the bot's own outgoing messages.
	IsEcho bool

	// IsGroup is true for group or broadcast origins.
	IsGroup bool

	// Text is the message text. Empty for non-text payloads.
	Text string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// Phase is a connection lifecycle phase reported by adapters.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhasePairing    Phase = "pairing"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
)

// CloseCause classifies why a connection closed. The supervisor's retry
// policy branches on this.
type CloseCause string

const (
	// CauseManual: the close was requested locally (stop/logout).
	CauseManual CloseCause = "manual"

	// CauseLoggedOut: the remote side invalidated the session. Terminal.
	CauseLoggedOut CloseCause = "logged_out"

	// CauseRestartRequired: the protocol demands an immediate reconnect.
	CauseRestartRequired CloseCause = "restart_required"

	// CauseTransient: network drop or any other recoverable failure.
	CauseTransient CloseCause = "transient"
)

// StateChange is a connection lifecycle event.
type StateChange struct {
	// Phase is the new lifecycle phase.
	Phase Phase

	// Cause is set when Phase is PhaseClosed.
	Cause CloseCause

	// Err carries the failure that triggered the change, if any.
	Err error

	// PairingCode is the artifact for PhasePairing (QR payload).
	PairingCode string

	// AccountID is the resolved account identifier for PhaseOpen.
	AccountID string
}

// HealthStatus reports channel health for operator surfaces.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
)
