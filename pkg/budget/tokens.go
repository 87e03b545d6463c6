package budget

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts for providers that do not report
// usage. All models approximate with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}

	return count
}

// EstimateTokens counts tokens without a TokenCounter instance.
func EstimateTokens(text string) int {
	tc, err := NewTokenCounter()
	if err != nil {
		return len(text) / 4
	}
	return tc.Count(text)
}
