// Package tools implements the optional web_search tool the orchestrator
// advertises to the upstream model when PERPLEXITY_API_KEY is configured,
// grounded the same way internal/llm's chat client is: a hand-rolled
// net/http call against a documented HTTP contract.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebSearch executes a Perplexity search query synchronously and returns a
// plaintext summary suitable for injecting into conversation history.
type WebSearch struct {
	apiKey string
	http   *http.Client
}

// NewWebSearch returns nil if apiKey is empty, so callers can check
// (*WebSearch)(nil) to mean "tool not registered": it is only advertised
// when a search key is configured.
func NewWebSearch(apiKey string) *WebSearch {
	if apiKey == "" {
		return nil
	}
	return &WebSearch{apiKey: apiKey, http: &http.Client{Timeout: 20 * time.Second}}
}

type searchRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type searchResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Search runs query against the Perplexity chat-completions endpoint and
// returns the model's answer text. A failure here is injected into history
// as a tool-role error message by the caller; tool failures don't abort
// the turn.
func (w *WebSearch) Search(ctx context.Context, query string) (string, error) {
	req := searchRequest{Model: "sonar"}
	req.Messages = append(req.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: query})

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.perplexity.ai/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search request: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse search response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("search response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
