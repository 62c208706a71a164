// ABOUTME: OpenAI-compatible chat completions provider
// ABOUTME: Builds requests with sjson and reads responses with gjson

package generate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389/coven-relay/internal/store"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 4 << 20

// DefaultSystemPrompt frames every completion request.
const DefaultSystemPrompt = "You are a member of a small product team chatting in a shared conversation. " +
	"Reply in character, briefly, as a chat message."

// OpenAIOptions configures an OpenAI-compatible provider.
type OpenAIOptions struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	SystemPrompt string
	Client       *http.Client
	Logger       *slog.Logger
}

// OpenAI calls a /chat/completions endpoint.
type OpenAI struct {
	endpoint     string
	apiKey       string
	model        string
	maxTokens    int
	systemPrompt string
	client       *http.Client
	logger       *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible generator.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &OpenAI{
		endpoint:     strings.TrimRight(opts.BaseURL, "/") + "/chat/completions",
		apiKey:       opts.APIKey,
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		systemPrompt: systemPrompt,
		client:       client,
		logger:       logger.With("component", "generate", "provider", "openai"),
	}
}

// Generate sends the history as prior turns and prompt as the final user turn.
func (g *OpenAI) Generate(ctx context.Context, prompt string, history []*store.Message) (string, error) {
	body, err := g.buildRequest(prompt, history)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, msg)
	}

	text := strings.TrimSpace(gjson.GetBytes(raw, "choices.0.message.content").String())
	g.logger.Debug("completion finished",
		"model", g.model,
		"duration", time.Since(start),
		"tokens", gjson.GetBytes(raw, "usage.total_tokens").Int(),
	)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (g *OpenAI) buildRequest(prompt string, history []*store.Message) ([]byte, error) {
	body := []byte(`{"messages":[]}`)
	var err error

	if body, err = sjson.SetBytes(body, "model", g.model); err != nil {
		return nil, err
	}
	if g.maxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_tokens", g.maxTokens); err != nil {
			return nil, err
		}
	}
	if body, err = appendTurn(body, "system", g.systemPrompt); err != nil {
		return nil, err
	}
	for _, m := range history {
		role := "user"
		if m.SenderKind == store.SenderAgent {
			role = "assistant"
		}
		if body, err = appendTurn(body, role, m.SenderID+": "+m.Content); err != nil {
			return nil, err
		}
	}
	return appendTurn(body, "user", prompt)
}

func appendTurn(body []byte, role, content string) ([]byte, error) {
	return sjson.SetBytes(body, "messages.-1", map[string]string{
		"role":    role,
		"content": content,
	})
}
