package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config configures an OpenAICompat client against any chat-completions
// compatible endpoint (OpenAI, OpenRouter, local inference servers),
// grounded on the teacher's internal/llm/providers/openaicompat.Config,
// trimmed to the single non-streaming Query call the agent loop needs.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Path     string
	Model    string
}

// OpenAICompat is a minimal chat-completions client satisfying Client.
type OpenAICompat struct {
	cfg    Config
	client *http.Client
}

const defaultRequestTimeout = 10 * time.Minute

// NewOpenAICompat returns a client for cfg, defaulting Path to
// "/v1/chat/completions" when unset.
func NewOpenAICompat(cfg Config) *OpenAICompat {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	return &OpenAICompat{cfg: cfg, client: &http.Client{Timeout: 0}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *OpenAICompat) Query(ctx context.Context, messages []Message) (Response, error) {
	requestCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	body, err := json.Marshal(chatCompletionsRequest{
		Model:    a.cfg.Model,
		Messages: toChatMessages(messages),
	})
	if err != nil {
		return Response{}, &ConfigurationError{Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, a.cfg.BaseURL+a.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return Response{}, &ConfigurationError{Message: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if requestCtx.Err() != nil {
			return Response{}, NewRequestTimeoutError(a.cfg.Provider, err.Error())
		}
		return Response{}, &ConfigurationError{Message: err.Error()}
	}
	defer resp.Body.Close()

	return parseChatCompletionsResponse(a.cfg.Provider, resp)
}

// NewRequestTimeoutError constructs a non-HTTP timeout error (context
// deadline exceeded), grounded on the teacher's
// llm.NewRequestTimeoutError. Not retried by default.
func NewRequestTimeoutError(provider, message string) error {
	return &RequestTimeoutError{httpErrorBase{provider: provider, message: message, retryable: false}}
}

func toChatMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func parseChatCompletionsResponse(provider string, resp *http.Response) (Response, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &ConfigurationError{Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var retryAfter *time.Duration
		if h := resp.Header.Get("Retry-After"); h != "" {
			retryAfter = ParseRetryAfter(h, time.Now())
		}
		return Response{}, ErrorFromHTTPStatus(provider, resp.StatusCode, errorMessage(raw), retryAfter)
	}

	var parsed chatCompletionsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("%s: decode response: %w", provider, err)
	}
	if parsed.Error != nil {
		return Response{}, ErrorFromHTTPStatus(provider, resp.StatusCode, parsed.Error.Message, nil)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: response had no choices", provider)
	}
	return Response{Text: parsed.Choices[0].Message.Content}, nil
}

func errorMessage(raw []byte) string {
	var parsed chatCompletionsResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	return string(raw)
}
