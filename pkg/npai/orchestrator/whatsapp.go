package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
	"github.com/MutazGhazal/npai-backend/pkg/npai/channels/whatsapp"
	"github.com/MutazGhazal/npai-backend/pkg/npai/config"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
)

// SessionState is the lifecycle status of a socket-channel session.
type SessionState string

const (
	StateDisconnected    SessionState = "disconnected"
	StateConnecting      SessionState = "connecting"
	StateAwaitingPairing SessionState = "awaiting-pairing"
	StateConnected       SessionState = "connected"
	StateError           SessionState = "error"
)

// restartReconnectDelay is the fixed delay before the single immediate
// reconnect that follows a restart-required close.
const restartReconnectDelay = time.Second

// waSession is the supervisor's record for one bot's socket session.
// Disconnected sessions stay in the registry as tombstones so status remains
// queryable; they are removed only at shutdown.
type waSession struct {
	botID       string
	state       SessionState
	retryCount  int
	lastError   string
	pairingCode string
	pairingAt   time.Time
	connectedAt time.Time
	accountID   string

	// manualDisconnect blocks automatic reconnects after an explicit stop.
	// Checked when a reconnect timer fires, not just when it is scheduled.
	manualDisconnect bool

	adapter        channels.SessionAdapter
	reconnectTimer *time.Timer
}

// SessionStatus is the read-only projection returned to callers. The live
// adapter handle never leaves the supervisor.
type SessionStatus struct {
	BotID       string       `json:"bot_id"`
	State       SessionState `json:"state"`
	RetryCount  int          `json:"retry_count"`
	LastError   string       `json:"last_error,omitempty"`
	PairingCode string       `json:"pairing_code,omitempty"`
	PairingAt   *time.Time   `json:"pairing_at,omitempty"`
	ConnectedAt *time.Time   `json:"connected_at,omitempty"`
	AccountID   string       `json:"account_id,omitempty"`
}

// WhatsappManager supervises the socket channel family: one whatsmeow
// session per bot, with the full state machine
// disconnected → connecting → awaiting-pairing → connected and the
// close-cause retry policy. The adapter itself never reconnects; every
// retry decision is made here.
type WhatsappManager struct {
	store    store.Store
	pipeline *Pipeline
	cfg      config.WhatsAppConfig
	logger   *slog.Logger

	baseCtx context.Context

	// newAdapter is swapped for a fake in tests.
	newAdapter func(botID string) channels.SessionAdapter

	mu       sync.Mutex
	sessions map[string]*waSession

	// botLocks serializes start/stop/restart per bot id.
	lockMu   sync.Mutex
	botLocks map[string]*sync.Mutex
}

// NewWhatsappManager creates the socket-channel supervisor.
func NewWhatsappManager(ctx context.Context, st store.Store, pipeline *Pipeline, cfg config.WhatsAppConfig, logger *slog.Logger) *WhatsappManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &WhatsappManager{
		store:    st,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp_manager"),
		baseCtx:  ctx,
		sessions: make(map[string]*waSession),
		botLocks: make(map[string]*sync.Mutex),
	}
	m.newAdapter = func(botID string) channels.SessionAdapter {
		return whatsapp.New(botID, cfg.SessionDir, logger)
	}
	return m
}

// botLock returns the per-bot mutex, creating it on first use.
func (m *WhatsappManager) botLock(botID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.botLocks[botID]
	if !ok {
		l = &sync.Mutex{}
		m.botLocks[botID] = l
	}
	return l
}

// Start begins (or resumes) the bot's socket session. Idempotent: a session
// that is already connecting, pairing or connected is returned as is. A
// session in the error state, including one that exhausted its retry budget,
// is revived with a fresh adapter and a reset budget.
func (m *WhatsappManager) Start(botID string) error {
	l := m.botLock(botID)
	l.Lock()
	defer l.Unlock()
	return m.startLocked(botID)
}

func (m *WhatsappManager) startLocked(botID string) error {
	m.mu.Lock()

	s := m.sessions[botID]
	if s != nil {
		switch s.state {
		case StateConnecting, StateAwaitingPairing, StateConnected:
			m.mu.Unlock()
			m.logger.Debug("whatsapp session already active", "bot_id", botID, "state", s.state)
			return nil
		}
	} else {
		s = &waSession{botID: botID}
		m.sessions[botID] = s
	}

	// An explicit start resets the retry budget.
	s.manualDisconnect = false
	s.retryCount = 0
	s.lastError = ""
	s.state = StateConnecting
	m.mu.Unlock()

	m.logger.Info("starting whatsapp session", "bot_id", botID)
	return m.connect(botID)
}

// connect builds a fresh adapter for the session and starts its connect
// sequence. Callers must have already placed the session in the connecting
// state.
func (m *WhatsappManager) connect(botID string) error {
	adapter := m.newAdapter(botID)
	adapter.OnStateChange(func(evt channels.StateChange) {
		m.handleState(botID, adapter, evt)
	})
	adapter.OnMessage(func(msg *channels.IncomingMessage) {
		go m.pipeline.Handle(m.baseCtx, channels.FamilyWhatsApp, botID, adapter, msg)
	})

	m.mu.Lock()
	var prev channels.SessionAdapter
	if s := m.sessions[botID]; s != nil {
		prev = s.adapter
		s.adapter = adapter
	}
	m.mu.Unlock()

	// Release the superseded adapter's socket and session store. Its close
	// event, if any, fails the adapter identity check and is dropped.
	if prev != nil {
		_ = prev.Disconnect()
	}

	if err := adapter.Connect(m.baseCtx); err != nil {
		m.mu.Lock()
		if s := m.sessions[botID]; s != nil {
			s.state = StateError
			s.lastError = err.Error()
		}
		m.mu.Unlock()
		m.logger.Error("whatsapp connect failed", "bot_id", botID, "error", err)
		return err
	}
	return nil
}

// handleState applies one adapter lifecycle event to the session. Events
// from a superseded adapter are dropped.
func (m *WhatsappManager) handleState(botID string, from channels.SessionAdapter, evt channels.StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[botID]
	if s == nil || s.adapter != from {
		return
	}

	switch evt.Phase {
	case channels.PhaseConnecting:
		if !s.manualDisconnect {
			s.state = StateConnecting
		}

	case channels.PhasePairing:
		s.state = StateAwaitingPairing
		s.pairingCode = evt.PairingCode
		s.pairingAt = time.Now()
		m.logger.Info("whatsapp pairing code ready", "bot_id", botID)

	case channels.PhaseOpen:
		s.state = StateConnected
		s.connectedAt = time.Now()
		s.accountID = evt.AccountID
		s.retryCount = 0
		s.lastError = ""
		s.pairingCode = ""
		s.pairingAt = time.Time{}
		m.logger.Info("whatsapp session connected", "bot_id", botID, "account", evt.AccountID)

	case channels.PhaseClosed:
		m.handleClose(s, evt)
	}
}

// handleClose applies the close-cause retry policy. Caller holds m.mu.
func (m *WhatsappManager) handleClose(s *waSession, evt channels.StateChange) {
	if evt.Err != nil {
		s.lastError = evt.Err.Error()
	}
	s.retryCount++

	if s.manualDisconnect || evt.Cause == channels.CauseManual {
		s.state = StateDisconnected
		if evt.Cause != channels.CauseLoggedOut {
			// Manual stops are not errors.
			if evt.Err == nil {
				s.lastError = ""
			}
		}
		m.logger.Info("whatsapp session closed", "bot_id", s.botID, "cause", evt.Cause)
		return
	}

	switch evt.Cause {
	case channels.CauseLoggedOut:
		s.state = StateDisconnected
		m.logger.Warn("whatsapp session logged out, not retrying",
			"bot_id", s.botID, "error", s.lastError)

	case channels.CauseRestartRequired:
		s.state = StateConnecting
		m.logger.Info("whatsapp restart required, reconnecting shortly",
			"bot_id", s.botID, "attempt", s.retryCount)
		m.scheduleReconnect(s, restartReconnectDelay)

	default:
		if s.retryCount > m.cfg.MaxReconnectAttempts {
			// No retry is pending past the ceiling; the error state keeps
			// the session revivable by an explicit start.
			s.state = StateError
			m.logger.Error("whatsapp reconnect ceiling reached, waiting for manual restart",
				"bot_id", s.botID, "attempts", s.retryCount-1)
			return
		}
		s.state = StateConnecting
		delay := m.cfg.ReconnectBaseDelay * time.Duration(s.retryCount)
		m.logger.Warn("whatsapp connection lost, scheduling reconnect",
			"bot_id", s.botID, "attempt", s.retryCount, "delay", delay)
		m.scheduleReconnect(s, delay)
	}
}

// scheduleReconnect arms the session's reconnect timer. The manual-stop
// flag is re-checked when the timer fires so a stop between schedule and
// fire turns the reconnect into a no-op. Caller holds m.mu.
func (m *WhatsappManager) scheduleReconnect(s *waSession, delay time.Duration) {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	botID := s.botID
	s.reconnectTimer = time.AfterFunc(delay, func() {
		l := m.botLock(botID)
		l.Lock()
		defer l.Unlock()

		m.mu.Lock()
		cur := m.sessions[botID]
		if cur == nil || cur.manualDisconnect {
			m.mu.Unlock()
			return
		}
		cur.state = StateConnecting
		m.mu.Unlock()

		if err := m.connect(botID); err != nil {
			m.logger.Warn("whatsapp reconnect attempt failed", "bot_id", botID, "error", err)
		}
	})
}

// Stop disconnects the session, keeping the device credentials valid.
// Returns false when no active session existed.
func (m *WhatsappManager) Stop(botID string) bool {
	l := m.botLock(botID)
	l.Lock()
	defer l.Unlock()
	return m.stopLocked(botID)
}

func (m *WhatsappManager) stopLocked(botID string) bool {
	adapter, existed := m.deactivate(botID)
	if !existed {
		return false
	}
	if adapter != nil {
		if err := adapter.Disconnect(); err != nil {
			m.logger.Warn("whatsapp disconnect error", "bot_id", botID, "error", err)
		}
	}
	m.logger.Info("whatsapp session stopped", "bot_id", botID)
	return true
}

// Logout disconnects the session and invalidates the device credentials, so
// the next start needs a fresh pairing.
func (m *WhatsappManager) Logout(botID string) bool {
	l := m.botLock(botID)
	l.Lock()
	defer l.Unlock()

	adapter, existed := m.deactivate(botID)
	if !existed {
		return false
	}
	if adapter != nil {
		if err := adapter.Logout(); err != nil {
			m.logger.Warn("whatsapp logout error", "bot_id", botID, "error", err)
		}
	}
	m.logger.Info("whatsapp session logged out", "bot_id", botID)
	return true
}

// deactivate marks the session manually disconnected, cancels any pending
// reconnect and detaches the adapter. The session stays as a tombstone.
func (m *WhatsappManager) deactivate(botID string) (channels.SessionAdapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[botID]
	if s == nil || s.state == StateDisconnected {
		return nil, false
	}

	s.manualDisconnect = true
	s.state = StateDisconnected
	s.pairingCode = ""
	s.pairingAt = time.Time{}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	adapter := s.adapter
	s.adapter = nil
	return adapter, true
}

// Restart stops and starts the session as one serialized operation, so no
// concurrent caller observes a half-restarted session.
func (m *WhatsappManager) Restart(botID string) error {
	l := m.botLock(botID)
	l.Lock()
	defer l.Unlock()

	m.stopLocked(botID)
	return m.startLocked(botID)
}

// IsRunning reports whether the session has a live, non-error adapter.
func (m *WhatsappManager) IsRunning(botID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[botID]
	if s == nil || s.adapter == nil {
		return false
	}
	switch s.state {
	case StateConnecting, StateAwaitingPairing, StateConnected:
		return true
	}
	return false
}

// Status returns a read-only projection of the session, or nil when the bot
// never had one.
func (m *WhatsappManager) Status(botID string) *SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[botID]
	if s == nil {
		return nil
	}
	status := &SessionStatus{
		BotID:       s.botID,
		State:       s.state,
		RetryCount:  s.retryCount,
		LastError:   s.lastError,
		PairingCode: s.pairingCode,
		AccountID:   s.accountID,
	}
	if !s.pairingAt.IsZero() {
		t := s.pairingAt
		status.PairingAt = &t
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		status.ConnectedAt = &t
	}
	return status
}

// Statuses returns projections for every known session.
func (m *WhatsappManager) Statuses() []*SessionStatus {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	statuses := make([]*SessionStatus, 0, len(ids))
	for _, id := range ids {
		if st := m.Status(id); st != nil {
			statuses = append(statuses, st)
		}
	}
	return statuses
}

// Shutdown stops every session and clears the registry.
func (m *WhatsappManager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}

	m.mu.Lock()
	m.sessions = make(map[string]*waSession)
	m.mu.Unlock()
}
