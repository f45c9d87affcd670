package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "npai.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBotCRUD(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	bot, err := st.CreateBot(ctx, &Bot{
		UserID:   "u1",
		Token:    "iv:cipher",
		Name:     "Shop Bot",
		Username: "shop_bot",
	})
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if bot.ID == "" || bot.CreatedAt.IsZero() {
		t.Errorf("created bot = %+v", bot)
	}

	t.Run("get by id", func(t *testing.T) {
		got, err := st.GetBot(ctx, bot.ID)
		if err != nil || got == nil {
			t.Fatalf("GetBot: %v, %v", got, err)
		}
		if got.Token != "iv:cipher" || got.Username != "shop_bot" {
			t.Errorf("got = %+v", got)
		}
	})

	t.Run("get by user", func(t *testing.T) {
		got, err := st.GetUserBot(ctx, "u1")
		if err != nil || got == nil || got.ID != bot.ID {
			t.Errorf("GetUserBot = %+v, %v", got, err)
		}
	})

	t.Run("absent is nil nil", func(t *testing.T) {
		got, err := st.GetBot(ctx, "nope")
		if err != nil || got != nil {
			t.Errorf("GetBot(nope) = %+v, %v", got, err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := st.DeleteBot(ctx, bot.ID); err != nil {
			t.Fatalf("DeleteBot: %v", err)
		}
		got, err := st.GetBot(ctx, bot.ID)
		if err != nil || got != nil {
			t.Errorf("bot still present: %+v, %v", got, err)
		}
	})
}

func TestPromptSingleActive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if p, err := st.GetActivePrompt(ctx, "b1"); err != nil || p != nil {
		t.Fatalf("GetActivePrompt empty = %+v, %v", p, err)
	}

	first, err := st.SaveActivePrompt(ctx, &Prompt{BotID: "b1", Text: "first"})
	if err != nil {
		t.Fatalf("SaveActivePrompt: %v", err)
	}
	second, err := st.SaveActivePrompt(ctx, &Prompt{BotID: "b1", Text: "second", FileName: "p.txt"})
	if err != nil {
		t.Fatalf("SaveActivePrompt: %v", err)
	}
	if second.ID == first.ID {
		t.Error("replacement reused the prior prompt row")
	}

	// Only the latest prompt stays active.
	active, err := st.GetActivePrompt(ctx, "b1")
	if err != nil || active == nil {
		t.Fatalf("GetActivePrompt: %v, %v", active, err)
	}
	if active.ID != second.ID || active.Text != "second" || !active.Active {
		t.Errorf("active = %+v", active)
	}

	var count int
	if err := st.db.QueryRow(
		`SELECT COUNT(*) FROM bot_prompts WHERE bot_id = 'b1' AND is_active = 1`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("active prompts = %d, want 1", count)
	}

	t.Run("deactivate", func(t *testing.T) {
		if err := st.DeactivatePrompt(ctx, "b1"); err != nil {
			t.Fatalf("DeactivatePrompt: %v", err)
		}
		p, err := st.GetActivePrompt(ctx, "b1")
		if err != nil || p != nil {
			t.Errorf("prompt still active: %+v, %v", p, err)
		}
	})
}

func TestGetOrCreateConversation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	conv, err := st.GetOrCreateConversation(ctx, "b1", "42", "muna")
	if err != nil || conv == nil {
		t.Fatalf("GetOrCreateConversation: %v, %v", conv, err)
	}

	again, err := st.GetOrCreateConversation(ctx, "b1", "42", "muna")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("second call returned %q, want %q", again.ID, conv.ID)
	}

	other, err := st.GetOrCreateConversation(ctx, "b1", "43", "sara")
	if err != nil {
		t.Fatalf("other user: %v", err)
	}
	if other.ID == conv.ID {
		t.Error("different users share a conversation")
	}

	t.Run("concurrent callers converge", func(t *testing.T) {
		ids := make([]string, 8)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := st.GetOrCreateConversation(ctx, "b2", "99", "x")
				if err != nil || c == nil {
					t.Errorf("concurrent call %d: %v, %v", i, c, err)
					return
				}
				ids[i] = c.ID
			}(i)
		}
		wg.Wait()
		for i := 1; i < len(ids); i++ {
			if ids[i] != ids[0] {
				t.Fatalf("callers got different conversations: %v", ids)
			}
		}
	})
}

func TestSaveMessage(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	conv, err := st.GetOrCreateConversation(ctx, "b1", "42", "")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}

	if err := st.SaveMessage(ctx, conv.ID, "user", "hello", 0, 0); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := st.SaveMessage(ctx, conv.ID, "assistant", "hi there", 12, 340); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	var tokens int
	var latency int64
	err = st.db.QueryRow(
		`SELECT ai_tokens_used, response_time_ms FROM messages
		 WHERE conversation_id = ? AND message_type = 'assistant'`, conv.ID).
		Scan(&tokens, &latency)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if tokens != 12 || latency != 340 {
		t.Errorf("metrics = %d tokens, %d ms", tokens, latency)
	}
}

func TestConversationReads(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	c1, err := st.GetOrCreateConversation(ctx, "b1", "42", "muna")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	c2, err := st.GetOrCreateConversation(ctx, "b1", "43", "sara")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if _, err := st.GetOrCreateConversation(ctx, "b2", "42", ""); err != nil {
		t.Fatalf("conversation: %v", err)
	}

	if err := st.SaveMessage(ctx, c1.ID, "user", "hello", 0, 0); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := st.SaveMessage(ctx, c1.ID, "assistant", "hi there", 9, 120); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := st.SaveMessage(ctx, c2.ID, "user", "hey", 0, 0); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	t.Run("list conversations per bot", func(t *testing.T) {
		convs, err := st.ListConversations(ctx, "b1", 0)
		if err != nil {
			t.Fatalf("ListConversations: %v", err)
		}
		if len(convs) != 2 {
			t.Fatalf("conversations = %d, want 2", len(convs))
		}
		for _, c := range convs {
			if c.BotID != "b1" {
				t.Errorf("foreign conversation listed: %+v", c)
			}
		}

		limited, err := st.ListConversations(ctx, "b1", 1)
		if err != nil || len(limited) != 1 {
			t.Errorf("limited list = %d conversations, %v, want 1", len(limited), err)
		}
	})

	t.Run("list messages in order", func(t *testing.T) {
		msgs, err := st.ListMessages(ctx, c1.ID, 0)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("messages = %d, want 2", len(msgs))
		}
		if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
			t.Errorf("order = %q, %q, want user then assistant", msgs[0].Role, msgs[1].Role)
		}
		if msgs[1].TokensUsed != 9 || msgs[1].ResponseTimeMs != 120 {
			t.Errorf("assistant metrics = %d tokens, %d ms", msgs[1].TokensUsed, msgs[1].ResponseTimeMs)
		}
		if msgs[0].CreatedAt.IsZero() {
			t.Error("created_at not populated")
		}
	})

	t.Run("stats aggregate per bot", func(t *testing.T) {
		stats, err := st.BotStats(ctx, "b1")
		if err != nil {
			t.Fatalf("BotStats: %v", err)
		}
		if stats.Conversations != 2 || stats.Messages != 3 || stats.TokensUsed != 9 {
			t.Errorf("stats = %+v", stats)
		}

		empty, err := st.BotStats(ctx, "b3")
		if err != nil {
			t.Fatalf("BotStats empty: %v", err)
		}
		if empty.Conversations != 0 || empty.Messages != 0 || empty.TokensUsed != 0 {
			t.Errorf("empty stats = %+v", empty)
		}
	})
}

func TestChannelSessions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess, err := st.SaveChannelSession(ctx, &ChannelSession{
		BotID:           "b1",
		Channel:         "messenger",
		PageID:          "page-1",
		PageAccessToken: "iv:cipher",
		Status:          "connected",
	})
	if err != nil || sess == nil {
		t.Fatalf("SaveChannelSession: %v, %v", sess, err)
	}
	if sess.LastConnectedAt.IsZero() {
		t.Error("LastConnectedAt not defaulted")
	}

	t.Run("upsert replaces", func(t *testing.T) {
		updated, err := st.SaveChannelSession(ctx, &ChannelSession{
			BotID:           "b1",
			Channel:         "messenger",
			PageID:          "page-2",
			PageAccessToken: "iv:cipher2",
			Status:          "connected",
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if updated.PageID != "page-2" {
			t.Errorf("page id = %q", updated.PageID)
		}

		// The old page id no longer resolves.
		if row, _ := st.GetChannelSessionByPageID(ctx, "page-1"); row != nil {
			t.Errorf("stale page still resolves: %+v", row)
		}
		row, err := st.GetChannelSessionByPageID(ctx, "page-2")
		if err != nil || row == nil || row.BotID != "b1" {
			t.Errorf("page lookup = %+v, %v", row, err)
		}
	})

	t.Run("status update", func(t *testing.T) {
		if err := st.UpdateChannelStatus(ctx, "b1", "messenger", "disconnected"); err != nil {
			t.Fatalf("UpdateChannelStatus: %v", err)
		}
		row, _ := st.GetChannelSession(ctx, "b1", "messenger")
		if row == nil || row.Status != "disconnected" {
			t.Errorf("row = %+v", row)
		}
	})

	t.Run("distinct channels per bot", func(t *testing.T) {
		_, err := st.SaveChannelSession(ctx, &ChannelSession{
			BotID: "b1", Channel: "whatsapp", Status: "connecting",
		})
		if err != nil {
			t.Fatalf("whatsapp session: %v", err)
		}
		wa, _ := st.GetChannelSession(ctx, "b1", "whatsapp")
		ms, _ := st.GetChannelSession(ctx, "b1", "messenger")
		if wa == nil || ms == nil || wa.Status == ms.Status {
			t.Errorf("wa = %+v, ms = %+v", wa, ms)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := st.DeleteChannelSession(ctx, "b1", "messenger"); err != nil {
			t.Fatalf("DeleteChannelSession: %v", err)
		}
		if row, _ := st.GetChannelSession(ctx, "b1", "messenger"); row != nil {
			t.Errorf("session still present: %+v", row)
		}
	})
}
