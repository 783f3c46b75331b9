// Package llm implements a minimal chat-completions client for the
// recognition backend.
//
// The endpoint is any OpenAI-compatible /v1/chat/completions server; the
// model identifier is configuration. The client forces JSON-object response
// format so the recognition engine can hold the backend to a strict schema.
// Calls carry a deadline (default 15s) and are never retried here — a timed
// out recognition is reported to the feed, which decides what to do with
// the message.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"signalbridge/internal/config"
)

// Message is one chat turn sent to the completion endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// request is the chat-completions payload.
type request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"` // "json_object"
}

// response is the subset of the completion reply the engine consumes.
type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Client talks to a chat-completions endpoint.
type Client struct {
	http   *resty.Client
	model  string
	logger *slog.Logger
}

// NewClient creates an LLM client from config.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.CallTimeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		model:  cfg.Model,
		logger: logger.With("component", "llm"),
	}
}

// Complete sends the system + user messages and returns the raw completion
// text. The backend is asked for a JSON object; schema validation is the
// caller's job.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	body := request{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var result response
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("llm completion: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != nil {
		return "", fmt.Errorf("llm completion: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("llm completion: empty choices")
	}
	return result.Choices[0].Message.Content, nil
}
