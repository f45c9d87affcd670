package ai

import "sync"

// maxWindowTurns caps the remembered turns per conversation. The system turn
// survives trimming so the bot never loses its instructions mid-conversation.
const maxWindowTurns = 20

// window is the cached context for one conversation key. Its mutex also
// serializes generation for the key, so two messages from the same end user
// cannot interleave their history updates.
type window struct {
	mu    sync.Mutex
	turns []Turn
}

// ContextCache holds per-conversation context windows in memory. Entries live
// until ClearSession or process exit; a restart simply starts conversations
// fresh.
type ContextCache struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewContextCache creates an empty cache.
func NewContextCache() *ContextCache {
	return &ContextCache{
		windows: make(map[string]*window),
	}
}

// acquire returns the window for key, creating it on first use.
func (c *ContextCache) acquire(key string) *window {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key]
	if !ok {
		w = &window{}
		c.windows[key] = w
	}
	return w
}

// ClearSession drops the cached context for key. The next message starts a
// fresh window seeded from the active system prompt.
func (c *ContextCache) ClearSession(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, key)
}

// Len reports the number of cached windows.
func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// trimWindow enforces the turn cap, dropping the oldest non-system turns
// first. A leading system turn is always preserved.
func trimWindow(turns []Turn) []Turn {
	if len(turns) <= maxWindowTurns {
		return turns
	}
	if turns[0].Role == "system" {
		kept := make([]Turn, 0, maxWindowTurns)
		kept = append(kept, turns[0])
		kept = append(kept, turns[len(turns)-(maxWindowTurns-1):]...)
		return kept
	}
	return turns[len(turns)-maxWindowTurns:]
}
