// Package ai is the completion-backend client. The orchestrator depends
// only on the Client interface: message list plus offered tools in, text
// or tool-call requests out. The HTTP implementation speaks the common
// chat-completions wire format.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/r2bridge/console/core/protocol"
)

// Completion is one backend response: final text, tool-call requests, or
// both. An empty Completion means the model produced nothing usable.
type Completion struct {
	Text      string
	ToolCalls []protocol.ToolCall
}

// Client produces completions for an ordered message sequence. tools is
// the catalog subset offered to the model for this round; nil offers none.
type Client interface {
	Complete(ctx context.Context, messages []protocol.Message, tools []protocol.Tool) (*Completion, error)
}

// TransportError is a network or HTTP-level failure talking to the
// backend. The orchestrator ends the run on it.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("ai backend: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPClient talks to a chat-completions endpoint. Safe for concurrent use.
type HTTPClient struct {
	endpoint string
	model    string
	apiKey   string
	http     *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a backend client. endpoint is the full completions
// URL; apiKey may be empty for unauthenticated local backends.
func NewHTTPClient(endpoint, model, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (c *HTTPClient) Model() string { return c.model }

type completionRequest struct {
	Model    string             `json:"model"`
	Messages []protocol.Message `json:"messages"`
	Tools    []wireTool         `json:"tools,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content   string              `json:"content"`
			ToolCalls []protocol.ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Client with a single non-streaming request.
func (c *HTTPClient) Complete(ctx context.Context, messages []protocol.Message, tools []protocol.Tool) (*Completion, error) {
	payload, err := json.Marshal(completionRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    wireTools(tools),
	})
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("encode completion request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Err: fmt.Errorf("http %d: %s", resp.StatusCode, bodySnippet(body))}
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("invalid completion response: %s", bodySnippet(body))}
	}
	if parsed.Error != nil {
		return nil, &TransportError{Err: fmt.Errorf("backend error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &TransportError{Err: fmt.Errorf("completion response has no choices: %s", bodySnippet(body))}
	}

	msg := parsed.Choices[0].Message
	return &Completion{
		Text:      strings.TrimSpace(msg.Content),
		ToolCalls: msg.ToolCalls,
	}, nil
}

// wireTools converts catalog entries to function-calling declarations.
// additionalProperties is pinned false so the model cannot invent fields
// the validator would reject anyway.
func wireTools(tools []protocol.Tool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, tool := range tools {
		params := map[string]any{"type": "object"}
		for k, v := range tool.InputSchema {
			params[k] = v
		}
		if _, ok := params["additionalProperties"]; !ok {
			params["additionalProperties"] = false
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 800 {
		return s[:800] + "...(truncated)"
	}
	return s
}
