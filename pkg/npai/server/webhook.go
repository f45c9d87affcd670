package server

import (
	"encoding/json"
	"net/http"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels/messenger"
)

// webhookPayload is the body Meta POSTs to the page webhook.
type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string                        `json:"id"`
	Time      int64                         `json:"time"`
	Messaging []*messenger.WebhookMessaging `json:"messaging"`
}

// handleWebhookVerify answers Meta's subscription handshake. The challenge
// is echoed back as plain text only when the verify token matches.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && token != "" && token == s.cfg.Messenger.VerifyToken {
		s.logger.Info("webhook verified")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}
	s.logger.Warn("webhook verification rejected", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// handleWebhookDeliver accepts page events and fans them out to the adapter
// bound to each page. Meta expects a fast 200 regardless of whether we can
// route the event; anything else triggers redelivery storms.
func (s *Server) handleWebhookDeliver(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}
	if payload.Object != "page" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	for _, entry := range payload.Entry {
		botID, adapter := s.orch.Messenger.Route(r.Context(), entry.ID)
		if adapter == nil {
			s.logger.Warn("webhook event for unbound page", "page_id", entry.ID)
			continue
		}
		for _, m := range entry.Messaging {
			adapter.HandleIncoming(m)
		}
		s.logger.Debug("webhook events dispatched",
			"page_id", entry.ID, "bot_id", botID, "count", len(entry.Messaging))
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}
