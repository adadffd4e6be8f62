// Package llm talks to an OpenAI-compatible streaming chat-completions
// endpoint. Only the documented HTTP streaming contract is consumed; the
// concrete vendor SDK is treated as an external collaborator and never
// imported directly.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/llmproxy/dnschat/internal/session"
)

// Client is a minimal OpenAI-compatible chat-completions client.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. https://api.openai.com/v1).
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// chatMessage is the wire shape of one message in a chat-completions
// request, reused for both plain and tool-call turns.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type toolSchema struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  any    `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []toolSchema  `json:"tools,omitempty"`
}

// streamChunk is one Server-Sent-Events "data:" line's JSON body.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Delta is one unit of streamed output: either a content fragment or a
// completed tool call request.
type Delta struct {
	Content  string
	ToolCall *toolCall
	Done     bool
}

func webSearchSchema() toolSchema {
	var s toolSchema
	s.Type = "function"
	s.Function.Name = "web_search"
	s.Function.Description = "Search the web for current information."
	s.Function.Parameters = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
		"required": []string{"query"},
	}
	return s
}

func toChatMessages(history []session.Message) []chatMessage {
	out := make([]chatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Text})
	}
	return out
}

// StreamChat opens a streaming chat-completion call and sends each delta on
// the returned channel, closing it when the stream ends or ctx is
// cancelled. enableToolCall gates whether the web_search tool schema is
// advertised to the model.
func (c *Client) StreamChat(ctx context.Context, history []session.Message, enableToolCall bool) (<-chan Delta, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: toChatMessages(history),
		Stream:   true,
	}
	if enableToolCall {
		req.Tools = []toolSchema{webSearchSchema()}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("chat request: unexpected status %d", resp.StatusCode)
	}

	out := make(chan Delta)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				select {
				case out <- Delta{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			if payload == "" {
				continue
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if content := choice.Delta.Content; content != "" {
				select {
				case out <- Delta{Content: content}:
				case <-ctx.Done():
					return
				}
			}
			for i := range choice.Delta.ToolCalls {
				tc := choice.Delta.ToolCalls[i]
				select {
				case out <- Delta{ToolCall: &tc}:
				case <-ctx.Done():
					return
				}
			}
			if choice.FinishReason != "" {
				select {
				case out <- Delta{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, nil
}
