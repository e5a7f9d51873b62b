// Package llm adapts the embedding and chat-completion providers behind two small interfaces.
package llm

import (
	"context"
	"fmt"
	"strings"

	"echo.app/echo-server/internal/config"
	"echo.app/echo-server/internal/logger"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior exchange entry passed as conversation history.
type Turn struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	System      string
	History     []Turn
	Prompt      string
	MaxTokens   int
	Temperature *float32
	// Model overrides the provider's default chat model.
	Model string
}

// Completer produces chat completions, buffered or streamed.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Stream calls onDelta for every fragment in generation order and returns the
	// concatenated text. An error from onDelta aborts the stream.
	Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (string, error)
}

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Provider is a completion and embedding backend that holds network resources.
type Provider interface {
	Completer
	Embedder
	Close() error
}

// EnhanceModel is the model used for query enhancement.
func EnhanceModel(cfg config.Config) string {
	if cfg.LLMProvider == "openai" {
		return cfg.OpenAIEnhanceModel
	}
	return cfg.GeminiChatModel
}

// NewFromConfig builds the provider selected by LLM_PROVIDER.
func NewFromConfig(ctx context.Context, cfg config.Config, log *logger.Logger) (Provider, error) {
	switch strings.ToLower(cfg.LLMProvider) {
	case "openai":
		return NewOpenAI(cfg, log), nil
	case "gemini":
		return NewGemini(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}
