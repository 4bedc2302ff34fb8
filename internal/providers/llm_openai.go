package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"landscape/internal/config"
	"landscape/internal/retry"
)

// OpenAIClient implements LLMClient over an OpenAI-compatible chat
// completions API.
type OpenAIClient struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	http      *http.Client
}

// NewOpenAIClient builds a client for cfg. BaseURL defaults to the public
// OpenAI endpoint.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIClient{
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		http:      &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", retry.Permanent(fmt.Errorf("llm: API key not configured"))
	}

	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("llm: failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("llm: request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", retry.Transient(fmt.Errorf("llm: failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("llm: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		switch retry.ClassifyHTTPStatus(resp.StatusCode) {
		case retry.ClassRateLimited:
			return "", retry.RateLimited(err, retryAfter(resp))
		case retry.ClassPermanent:
			return "", retry.Permanent(err)
		default:
			return "", retry.Transient(err)
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", retry.Transient(fmt.Errorf("llm: failed to decode response: %w", err))
	}
	if parsed.Error != nil {
		return "", retry.Permanent(fmt.Errorf("llm: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", retry.Transient(fmt.Errorf("llm: empty choices"))
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
