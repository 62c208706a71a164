// ABOUTME: Text-generation collaborator contract and provider selection
// ABOUTME: Agents call Generate with a prompt and recent history; the provider is a black box

package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

// Generation errors
var (
	ErrEmptyResponse = errors.New("provider returned empty text")
	ErrProvider      = errors.New("provider error")
)

// Generator produces a reply for prompt given recent conversation history.
type Generator interface {
	Generate(ctx context.Context, prompt string, history []*store.Message) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, history []*store.Message) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, history []*store.Message) (string, error) {
	return f(ctx, prompt, history)
}

// FromConfig builds the configured provider.
func FromConfig(cfg config.GeneratorConfig, logger *slog.Logger) (Generator, error) {
	switch cfg.Provider {
	case "", config.ProviderCanned:
		return NewCanned(), nil
	case config.ProviderOpenAI:
		return NewOpenAI(OpenAIOptions{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Client:    &http.Client{Timeout: cfg.Timeout},
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}
