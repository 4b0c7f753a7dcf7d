package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const systemPrompt = "You analyse workplace safety incidents and answer with JSON only."

// RemoteConfig holds configuration for an OpenAI-compatible chat endpoint
type RemoteConfig struct {
	BaseURL          string
	APIKey           string
	Model            string
	Timeout          time.Duration
	MaxResponseBytes int64
}

// RemoteBackend calls a hosted model through the Chat Completions API
type RemoteBackend struct {
	baseURL          string
	apiKey           string
	model            string
	client           *http.Client
	maxResponseBytes int64
}

// NewRemoteBackend creates a hosted-model backend
func NewRemoteBackend(cfg RemoteConfig) *RemoteBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 1 << 20
	}
	return &RemoteBackend{
		baseURL:          cfg.BaseURL,
		apiKey:           cfg.APIKey,
		model:            cfg.Model,
		maxResponseBytes: cfg.MaxResponseBytes,
		client:           &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (r *RemoteBackend) Name() string {
	return "remote"
}

func (r *RemoteBackend) Generate(ctx context.Context, prompt string) (*Analysis, error) {
	body, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call remote model: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, r.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}
	if int64(len(respBody)) > r.maxResponseBytes {
		return nil, fmt.Errorf("remote response exceeded limit (%d bytes)", r.maxResponseBytes)
	}

	if resp.StatusCode >= 400 {
		var errBody chatErrorResponse
		if err := json.Unmarshal(respBody, &errBody); err != nil || errBody.Error.Message == "" {
			return nil, fmt.Errorf("remote model error status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("remote model error: %s (type=%s)", errBody.Error.Message, errBody.Error.Type)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("decode remote response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: remote response had no choices", ErrMalformedOutput)
	}

	return ParseOutput(chat.Choices[0].Message.Content, r.Name())
}

var _ Backend = (*RemoteBackend)(nil)
