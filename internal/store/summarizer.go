package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/llamanexus/gateway/pkg/models"
)

// HTTPSummarizer generates summaries by calling an OpenAI-compatible chat
// endpoint (summary_service_base_url/summary_service_api_key, §4.8),
// mirroring the same request shape the gateway itself forwards to chat
// backends rather than inventing a bespoke summarization wire format.
type HTTPSummarizer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSummarizer builds a summarizer against the configured service.
func NewHTTPSummarizer(baseURL, apiKey string) *HTTPSummarizer {
	return &HTTPSummarizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type chatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize asks the configured summary service to fold priorSummary and
// the newly-moved messages into a single updated summary string.
func (h *HTTPSummarizer) Summarize(ctx context.Context, priorSummary string, messages []models.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	prompt := "Summarize the following conversation excerpt concisely, preserving facts and decisions relevant to future turns."
	if priorSummary != "" {
		prompt += "\n\nExisting summary to extend:\n" + priorSummary
	}
	prompt += "\n\nNew messages:\n" + transcript.String()

	reqBody := chatCompletionRequest{
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("summary service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("summary service returned status %d", resp.StatusCode)
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode summary response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("summary service returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
