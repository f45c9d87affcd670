// Package ai wraps the language-model provider behind a dispatcher that
// never fails: provider errors become a fixed apology so conversations keep
// flowing. Conversation context is cached in memory per conversation key.
//
// The provider speaks the OpenAI chat-completions wire format, which works
// with OpenRouter and any compatible endpoint.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/config"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Turn is one role/content entry in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the parsed provider response.
type Completion struct {
	Text        string
	TotalTokens int
}

// Completer is the outbound provider call. The dispatcher depends only on
// this, so tests can substitute a fake.
type Completer interface {
	Complete(ctx context.Context, turns []Turn) (*Completion, error)
}

// Client calls the OpenRouter chat-completions API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	siteURL    string
	appName    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a provider client from config.
func NewClient(cfg config.OpenRouterConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: defaultBaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		siteURL: cfg.SiteURL,
		appName: cfg.AppName,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.With("component", "ai"),
	}
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// chatResponse is the chat-completions response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, turns []Turn) (*Completion, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is not set")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    turns,
		Temperature: 0.7,
		MaxTokens:   2048,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.appName != "" {
		req.Header.Set("X-Title", c.appName)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var payload chatResponse
		if json.Unmarshal(respBody, &payload) == nil && payload.Error != nil {
			return nil, fmt.Errorf("provider error: %s", payload.Error.Message)
		}
		return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	var payload chatResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if payload.Error != nil {
		return nil, fmt.Errorf("provider error: %s", payload.Error.Message)
	}
	if len(payload.Choices) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	return &Completion{
		Text:        strings.TrimSpace(payload.Choices[0].Message.Content),
		TotalTokens: payload.Usage.TotalTokens,
	}, nil
}

// Compile-time interface verification.
var _ Completer = (*Client)(nil)
