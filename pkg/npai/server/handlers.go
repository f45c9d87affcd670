package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
)

// ---------- Bots ----------

type createBotRequest struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type botResponse struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Running  bool   `json:"running"`
}

func (s *Server) botToResponse(bot *store.Bot) botResponse {
	return botResponse{
		ID:       bot.ID,
		UserID:   bot.UserID,
		Name:     bot.Name,
		Username: bot.Username,
		Running:  s.orch.Bots.IsRunning(bot.ID),
	}
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Token) == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and token are required")
		return
	}

	encrypted, err := s.cipher.Encrypt(strings.TrimSpace(req.Token))
	if err != nil {
		s.logger.Error("token encryption failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store bot")
		return
	}

	bot, err := s.orch.Store.CreateBot(r.Context(), &store.Bot{
		UserID:   req.UserID,
		Token:    encrypted,
		Name:     req.Name,
		Username: req.Username,
	})
	if err != nil {
		s.logger.Error("bot creation failed", "user_id", req.UserID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create bot")
		return
	}
	s.writeJSON(w, http.StatusCreated, s.botToResponse(bot))
}

// loadBot resolves the path's bot or writes the error response.
func (s *Server) loadBot(w http.ResponseWriter, r *http.Request) *store.Bot {
	botID := r.PathValue("id")
	bot, err := s.orch.Store.GetBot(r.Context(), botID)
	if err != nil {
		s.logger.Error("bot lookup failed", "bot_id", botID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "bot lookup failed")
		return nil
	}
	if bot == nil {
		s.writeError(w, http.StatusNotFound, "bot not found")
		return nil
	}
	return bot
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, s.botToResponse(bot))
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}

	s.orch.Bots.Stop(bot.ID)
	s.orch.WhatsApp.Stop(bot.ID)
	s.orch.Messenger.Disconnect(r.Context(), bot.ID)

	if err := s.orch.Store.DeleteBot(r.Context(), bot.ID); err != nil {
		s.logger.Error("bot deletion failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete bot")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	if err := s.orch.Bots.Start(r.Context(), bot.ID); err != nil {
		s.logger.Error("bot start failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to start bot")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	stopped := s.orch.Bots.Stop(bot.ID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"was_running": stopped, "running": false})
}

func (s *Server) handleRestartBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	if err := s.orch.Bots.Restart(r.Context(), bot.ID); err != nil {
		s.logger.Error("bot restart failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to restart bot")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("id")
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"running": s.orch.Bots.IsRunning(botID),
	})
}

// ---------- Conversations & Analytics ----------

type conversationResponse struct {
	ID        string     `json:"id"`
	EndUserID string     `json:"end_user_id"`
	Username  string     `json:"username,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type messageResponse struct {
	ID             string    `json:"id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokensUsed     int       `json:"tokens_used"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// listLimit reads the optional limit query parameter. Zero lets the store
// apply its default page size.
func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	convs, err := s.orch.Store.ListConversations(r.Context(), bot.ID, listLimit(r))
	if err != nil {
		s.logger.Error("conversation list failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationResponse{
			ID:        c.ID,
			EndUserID: c.EndUserID,
			Username:  c.Username,
			StartedAt: c.StartedAt,
			EndedAt:   c.EndedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	msgs, err := s.orch.Store.ListMessages(r.Context(), convID, listLimit(r))
	if err != nil {
		s.logger.Error("message list failed", "conversation_id", convID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:             m.ID,
			Role:           m.Role,
			Content:        m.Content,
			TokensUsed:     m.TokensUsed,
			ResponseTimeMs: m.ResponseTimeMs,
			CreatedAt:      m.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleBotAnalytics(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	stats, err := s.orch.Store.BotStats(r.Context(), bot.ID)
	if err != nil {
		s.logger.Error("analytics failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load analytics")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversations": stats.Conversations,
		"messages":      stats.Messages,
		"tokens_used":   stats.TokensUsed,
	})
}

// ---------- Prompts ----------

type savePromptRequest struct {
	Text     string `json:"text"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
}

func (s *Server) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}

	var req savePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	prompt, err := s.orch.Store.SaveActivePrompt(r.Context(), &store.Prompt{
		BotID:    bot.ID,
		Text:     req.Text,
		FileName: req.FileName,
		FileType: req.FileType,
	})
	if err != nil {
		s.logger.Error("prompt save failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save prompt")
		return
	}
	s.writeJSON(w, http.StatusCreated, prompt)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	prompt, err := s.orch.Store.GetActivePrompt(r.Context(), bot.ID)
	if err != nil {
		s.logger.Error("prompt lookup failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "prompt lookup failed")
		return
	}
	if prompt == nil {
		s.writeError(w, http.StatusNotFound, "no active prompt")
		return
	}
	s.writeJSON(w, http.StatusOK, prompt)
}

func (s *Server) handleDeactivatePrompt(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	if err := s.orch.Store.DeactivatePrompt(r.Context(), bot.ID); err != nil {
		s.logger.Error("prompt deactivation failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to deactivate prompt")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

// ---------- WhatsApp ----------

func (s *Server) handleWhatsAppConnect(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	if err := s.orch.WhatsApp.Start(bot.ID); err != nil {
		s.logger.Error("whatsapp start failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to start whatsapp session")
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.WhatsApp.Status(bot.ID))
}

func (s *Server) handleWhatsAppDisconnect(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}

	wasActive := s.orch.WhatsApp.Logout(bot.ID)
	if err := s.orch.Store.DeleteChannelSession(r.Context(), bot.ID, string(channels.FamilyWhatsApp)); err != nil {
		s.logger.Warn("failed to delete whatsapp session row", "bot_id", bot.ID, "error", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"was_active": wasActive})
}

func (s *Server) handleWhatsAppStatus(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("id")
	if status := s.orch.WhatsApp.Status(botID); status != nil {
		s.writeJSON(w, http.StatusOK, status)
		return
	}

	// No live session this process lifetime; report what the store has.
	row, err := s.orch.Store.GetChannelSession(r.Context(), botID, string(channels.FamilyWhatsApp))
	if err != nil {
		s.logger.Error("session lookup failed", "bot_id", botID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	if row == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"state": "disconnected"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": row.Status})
}

// ---------- Messenger ----------

type messengerConnectRequest struct {
	PageID      string `json:"page_id"`
	AccessToken string `json:"access_token"`
}

func (s *Server) handleMessengerConnect(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}

	var req messengerConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PageID == "" || req.AccessToken == "" {
		s.writeError(w, http.StatusBadRequest, "page_id and access_token are required")
		return
	}

	if err := s.orch.Messenger.Connect(r.Context(), bot.ID, req.PageID, req.AccessToken); err != nil {
		s.logger.Error("messenger connect failed", "bot_id", bot.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to connect messenger page")
		return
	}
	status, _ := s.orch.Messenger.Status(r.Context(), bot.ID)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMessengerDisconnect(w http.ResponseWriter, r *http.Request) {
	bot := s.loadBot(w, r)
	if bot == nil {
		return
	}
	wasConnected := s.orch.Messenger.Disconnect(r.Context(), bot.ID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"was_connected": wasConnected})
}

func (s *Server) handleMessengerStatus(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("id")
	status, err := s.orch.Messenger.Status(r.Context(), botID)
	if err != nil {
		s.logger.Error("messenger status failed", "bot_id", botID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if status == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"state": "disconnected"})
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
