// events.go converts whatsmeow events into the unified state and message
// callbacks. Close causes are classified here; the retry policy lives in
// the supervisor.
package whatsapp

import (
	"fmt"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
)

// handleEvent is the main whatsmeow event dispatcher.
func (a *Adapter) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		a.handleMessageEvt(evt)

	case *events.Connected:
		a.handleConnected()

	case *events.PairSuccess:
		a.logger.Info("whatsapp: device paired",
			"jid", evt.ID, "platform", evt.Platform)

	case *events.ManualLoginReconnect:
		// The server closed the stream right after login and expects a
		// fresh connect. Auto-reconnect is off, so hand it upward.
		a.logger.Info("whatsapp: post-login restart requested")
		a.connected.Store(false)
		a.emitState(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseRestartRequired,
		})

	case *events.Disconnected:
		a.handleDisconnected()

	case *events.LoggedOut:
		a.handleLoggedOut(evt)

	case *events.StreamReplaced:
		a.handleStreamReplaced()

	case *events.TemporaryBan:
		a.handleTemporaryBan(evt)

	case *events.ConnectFailure:
		a.handleConnectFailure(evt)

	case *events.StreamError:
		a.handleStreamError(evt)

	case *events.KeepAliveTimeout:
		a.logger.Warn("whatsapp: keep-alive timeout",
			"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
		a.errorCount.Add(1)

	case *events.KeepAliveRestored:
		a.logger.Info("whatsapp: keep-alive restored")
		a.errorCount.Store(0)

	case *events.HistorySync:
		a.logger.Debug("whatsapp: history sync received")
	}
}

// handleConnected handles a fully established, authenticated socket.
func (a *Adapter) handleConnected() {
	a.connected.Store(true)
	a.errorCount.Store(0)
	a.lastMsg.Store(time.Now())

	a.logger.Info("whatsapp: connected", "jid", a.AccountID())
	a.emitState(channels.StateChange{
		Phase:     channels.PhaseOpen,
		AccountID: a.AccountID(),
	})
}

// handleDisconnected handles a dropped socket. Local disconnects already
// emitted their own close event.
func (a *Adapter) handleDisconnected() {
	wasConnected := a.connected.Swap(false)
	if a.manualClose.Load() {
		return
	}

	a.logger.Warn("whatsapp: disconnected", "was_connected", wasConnected)
	a.emitState(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: channels.CauseTransient,
		Err:   fmt.Errorf("connection lost"),
	})
}

// handleLoggedOut handles session invalidation by the remote side.
func (a *Adapter) handleLoggedOut(evt *events.LoggedOut) {
	a.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	a.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)

	a.emitState(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: channels.CauseLoggedOut,
		Err:   fmt.Errorf("logged out: %s", reason),
	})
}

// handleStreamReplaced handles another client taking over the session.
// The credentials stay valid but reconnecting would just bounce the other
// client, so this is reported as a manual-grade stop.
func (a *Adapter) handleStreamReplaced() {
	a.connected.Store(false)
	a.logger.Error("whatsapp: stream replaced by another client")

	a.emitState(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: channels.CauseManual,
		Err:   fmt.Errorf("stream replaced by another client"),
	})
}

// handleTemporaryBan reports a ban as a transient close; the supervisor's
// retry ceiling keeps it from hammering the server.
func (a *Adapter) handleTemporaryBan(evt *events.TemporaryBan) {
	a.connected.Store(false)
	a.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)

	a.emitState(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: channels.CauseTransient,
		Err:   fmt.Errorf("temporary ban (%s), expires %s", evt.Code, evt.Expire),
	})
}

// handleConnectFailure classifies connect failures.
func (a *Adapter) handleConnectFailure(evt *events.ConnectFailure) {
	a.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	permanent := evt.PermanentDisconnectDescription()

	a.logger.Error("whatsapp: connect failure",
		"reason", reason, "message", evt.Message, "permanent", permanent)

	cause := channels.CauseTransient
	if permanent != "" {
		cause = channels.CauseLoggedOut
	}
	a.emitState(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: cause,
		Err:   fmt.Errorf("connect failure: %s", reason),
	})
}

// handleStreamError handles stream-level errors. Only disconnect-grade
// codes produce a close event.
func (a *Adapter) handleStreamError(evt *events.StreamError) {
	a.logger.Error("whatsapp: stream error", "code", evt.Code)

	isDisconnect := evt.Code == "540" || evt.Code == "541" || evt.Code == "503"
	if !isDisconnect {
		return
	}

	a.connected.Store(false)
	if a.manualClose.Load() {
		return
	}
	a.emitState(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: channels.CauseTransient,
		Err:   fmt.Errorf("stream error %s", evt.Code),
	})
}

// handleMessageEvt converts an incoming message event.
func (a *Adapter) handleMessageEvt(evt *events.Message) {
	a.lastMsg.Store(time.Now())

	// Skip status broadcasts.
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		From:      evt.Info.Sender.User,
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		IsEcho:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		Text:      extractText(evt.Message),
		Timestamp: evt.Info.Timestamp,
	}

	if a.onMessage != nil {
		a.onMessage(msg)
	}
}

// extractText pulls the text content out of a message, including media
// captions. Returns "" for payloads with no usable text.
func extractText(waMsg *waE2E.Message) string {
	if waMsg == nil {
		return ""
	}
	if waMsg.Conversation != nil {
		return waMsg.GetConversation()
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := waMsg.ImageMessage; img != nil {
		return img.GetCaption()
	}
	if video := waMsg.VideoMessage; video != nil {
		return video.GetCaption()
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		return doc.GetCaption()
	}
	return ""
}
