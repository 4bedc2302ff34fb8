package providers

import (
	"context"
	"fmt"

	"landscape/internal/config"
)

// NewLLMClient builds the configured LLM client. Any OpenAI-compatible
// endpoint works through the "openai" provider with a custom base URL.
func NewLLMClient(ctx context.Context, cfg config.LLMConfig) (LLMClient, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// TruncateInput clips text to the configured character budget so prompts
// stay inside the model's context window. Clips at a line boundary when one
// is close.
func TruncateInput(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	clipped := text[:maxChars]
	if i := lastNewlineAfter(clipped, maxChars-200); i > 0 {
		clipped = clipped[:i]
	}
	return clipped
}

func lastNewlineAfter(s string, from int) int {
	if from < 0 {
		from = 0
	}
	for i := len(s) - 1; i >= from; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
