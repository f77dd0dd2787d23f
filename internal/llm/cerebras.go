// Package llm is the chat-completion collaborator used to ask interview
// questions and produce the final assessment.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/interview-agent/internal/faults"
)

const defaultEndpoint = "https://api.cerebras.ai/v1/chat/completions"

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params tunes one completion.
type Params struct {
	MaxTokens   int
	Temperature float64
}

type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type chatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_completion_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   defaultEndpoint,
	}
}

// Complete sends the conversation and returns the trimmed reply. Transport
// and API failures are ModelUnavailable; a blank reply is EmptyResponse.
func (c *CerebrasClient) Complete(ctx context.Context, messages []Message, p Params) (string, error) {
	const op = "llm.complete"
	if c.APIKey == "" {
		return "", faults.Newf(faults.KindModelUnavailable, op, "cerebras api key missing")
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	body := chatCompletionsRequest{Model: c.Model, Messages: messages, MaxTokens: p.MaxTokens}
	if p.Temperature > 0 {
		t := p.Temperature
		body.Temperature = &t
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", faults.New(faults.KindModelUnavailable, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", faults.New(faults.KindModelUnavailable, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", faults.New(faults.KindModelUnavailable, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", faults.Newf(faults.KindModelUnavailable, op, "cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", faults.New(faults.KindModelUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return "", faults.Newf(faults.KindEmptyResponse, op, "cerebras: empty choices")
	}
	answer := strings.TrimSpace(cr.Choices[0].Message.Content)
	if answer == "" {
		return "", faults.Newf(faults.KindEmptyResponse, op, "cerebras: blank content")
	}
	return answer, nil
}
