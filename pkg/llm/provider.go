package llm

import (
	"context"
	"fmt"

	"github.com/kestrelhq/kestrel/internal/config"
)

// Provider is one candidate in the fallback chain.
type Provider interface {
	// Call makes a single model API call.
	Call(ctx context.Context, request Request) (*Response, error)

	// Name returns the configured provider name.
	Name() string

	// Model returns the model this provider serves.
	Model() string

	// Paid reports whether calls are billed. Local providers are free
	// and stay available when the budget is exhausted.
	Paid() bool
}

// NewProvider creates a provider from its configuration.
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai_compat":
		return NewOpenAICompatProvider(cfg), nil
	case "ollama":
		return NewOllamaProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", cfg.Kind)
	}
}
