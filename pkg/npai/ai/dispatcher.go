package ai

import (
	"context"
	"log/slog"
	"time"
)

// fallbackReply is sent when the provider fails. The product serves an
// Arabic-speaking audience, so the apology is Arabic.
const fallbackReply = "عذراً، حدث خطأ في معالجة طلبك."

// Reply is the outcome of one dispatch. Text is never empty.
type Reply struct {
	Text      string
	Tokens    int
	ElapsedMs int64
	Fallback  bool
}

// Dispatcher turns an incoming user message into a reply. It owns the
// conversation context cache and absorbs all provider failures, so the
// pipeline above it never has to handle an AI error.
type Dispatcher struct {
	provider Completer
	cache    *ContextCache
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher backed by the given provider.
func NewDispatcher(provider Completer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		provider: provider,
		cache:    NewContextCache(),
		logger:   logger.With("component", "dispatcher"),
	}
}

// Generate produces a reply to userText. When convKey is non-empty the
// conversation window for that key supplies context and records both turns;
// an empty convKey makes the call stateless. systemPrompt seeds a new window
// and is ignored for an existing one.
//
// Generate never returns an error. Provider failures yield the fallback
// apology, flagged on the Reply, and leave the window untouched.
func (d *Dispatcher) Generate(ctx context.Context, userText, systemPrompt, convKey string) Reply {
	start := time.Now()

	if convKey == "" {
		return d.generateStateless(ctx, userText, systemPrompt, start)
	}

	w := d.cache.acquire(convKey)
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.turns) == 0 && systemPrompt != "" {
		w.turns = []Turn{{Role: "system", Content: systemPrompt}}
	}

	request := make([]Turn, 0, len(w.turns)+1)
	request = append(request, w.turns...)
	request = append(request, Turn{Role: "user", Content: userText})

	completion, err := d.provider.Complete(ctx, request)
	if err != nil {
		d.logger.Error("completion failed", "conversation", convKey, "error", err)
		return Reply{
			Text:      fallbackReply,
			ElapsedMs: time.Since(start).Milliseconds(),
			Fallback:  true,
		}
	}

	text := completion.Text
	if text == "" {
		text = "..."
	}

	w.turns = trimWindow(append(request,
		Turn{Role: "assistant", Content: text}))

	return Reply{
		Text:      text,
		Tokens:    d.tokenCount(completion, userText),
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}

// generateStateless answers without touching the cache.
func (d *Dispatcher) generateStateless(ctx context.Context, userText, systemPrompt string, start time.Time) Reply {
	request := make([]Turn, 0, 2)
	if systemPrompt != "" {
		request = append(request, Turn{Role: "system", Content: systemPrompt})
	}
	request = append(request, Turn{Role: "user", Content: userText})

	completion, err := d.provider.Complete(ctx, request)
	if err != nil {
		d.logger.Error("stateless completion failed", "error", err)
		return Reply{
			Text:      fallbackReply,
			ElapsedMs: time.Since(start).Milliseconds(),
			Fallback:  true,
		}
	}

	text := completion.Text
	if text == "" {
		text = "..."
	}
	return Reply{
		Text:      text,
		Tokens:    d.tokenCount(completion, userText),
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}

// tokenCount prefers the provider's usage figure and falls back to a rough
// 4-chars-per-token estimate.
func (d *Dispatcher) tokenCount(completion *Completion, userText string) int {
	if completion.TotalTokens > 0 {
		return completion.TotalTokens
	}
	return (len(userText) + len(completion.Text)) / 4
}

// ClearSession forgets the cached context for convKey.
func (d *Dispatcher) ClearSession(convKey string) {
	d.cache.ClearSession(convKey)
}
