// Package bridge is the JSON-RPC 2.0 client for the remote tool-execution
// server. It discovers the tool catalog, dispatches tool calls, and closes
// remote sessions. Transient HTTP failures are retried with exponential
// backoff; everything else surfaces as a typed error the orchestrator can
// classify.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/r2bridge/console/core/protocol"
	"github.com/r2bridge/console/observability"
)

const (
	// maxAttempts bounds the retry loop for one logical request.
	maxAttempts = 3
	// baseBackoff is the first retry delay; it doubles per attempt.
	baseBackoff = 400 * time.Millisecond
	// snippetLimit caps response bodies quoted inside error messages.
	snippetLimit = 800
)

// transientStatus marks HTTP statuses worth retrying.
var transientStatus = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// Event types emitted by the client.
const (
	EventRetry       observability.EventType = "bridge.retry"
	EventError       observability.EventType = "bridge.error"
	EventInvalidJSON observability.EventType = "bridge.invalid_json"
)

// TransportError is a network, timeout, or HTTP-level failure talking to
// the bridge, reported after retries are exhausted. The orchestrator ends
// the run on it rather than retrying further.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("bridge %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by the bridge. It means the
// request arrived and was rejected, so it is surfaced to the model as a
// correctable tool result instead of failing the run.
type RPCError struct {
	Method  string          `json:"-"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error calling %s: code=%d %s", e.Method, e.Code, e.Message)
}

// Client talks to one bridge endpoint. Safe for concurrent use; request
// ids are allocated atomically.
type Client struct {
	baseURL  string
	http     *http.Client
	reqID    atomic.Int64
	observer observability.Observer
}

// NewClient creates a Client for baseURL with the given per-request
// timeout. A nil observer disables event emission.
func NewClient(baseURL string, timeout time.Duration, observer observability.Observer) *Client {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		observer: observer,
	}
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// rpc posts one JSON-RPC request to /mcp, retrying transient failures.
// A JSON-RPC error object is returned as *RPCError without retrying;
// exhausted transport failures come back as *TransportError.
func (c *Client) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoff(attempt-1)); err != nil {
				return nil, &TransportError{Op: method, Err: err}
			}
		}

		result, rpcErr, err := c.post(ctx, method, payload)
		if err == nil {
			if rpcErr != nil {
				rpcErr.Method = method
				return nil, rpcErr
			}
			return result, nil
		}

		lastErr = err
		c.emit(ctx, EventRetry, observability.LevelWarning, map[string]any{
			"method":  method,
			"attempt": attempt,
			"error":   truncate(err.Error(), 400),
		})
	}
	c.emit(ctx, EventError, observability.LevelError, map[string]any{
		"method": method,
		"error":  truncate(lastErr.Error(), 400),
	})
	return nil, &TransportError{Op: method, Err: lastErr}
}

func (c *Client) post(ctx context.Context, method string, payload []byte) (json.RawMessage, *RPCError, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, err
	}

	if transientStatus[resp.StatusCode] {
		return nil, nil, fmt.Errorf("transient http %d body=%s", resp.StatusCode, snippet(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("http %d body=%s", resp.StatusCode, snippet(body))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.emit(ctx, EventInvalidJSON, observability.LevelWarning, map[string]any{
			"method":  method,
			"snippet": snippet(body),
		})
		return nil, nil, fmt.Errorf("invalid json response: %s", snippet(body))
	}
	return parsed.Result, parsed.Error, nil
}

// Health fetches GET /health and returns the trimmed body text. Transient
// statuses are retried like RPC calls.
func (c *Client) Health(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoff(attempt-1)); err != nil {
				return "", &TransportError{Op: "health", Err: err}
			}
		}

		text, err := c.getHealth(ctx)
		if err == nil {
			return text, nil
		}
		lastErr = err
		c.emit(ctx, EventRetry, observability.LevelWarning, map[string]any{
			"method":  "health",
			"attempt": attempt,
			"error":   truncate(err.Error(), 400),
		})
	}
	return "", &TransportError{Op: "health", Err: lastErr}
}

func (c *Client) getHealth(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if transientStatus[resp.StatusCode] {
		return "", fmt.Errorf("transient http %d body=%s", resp.StatusCode, snippet(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http %d body=%s", resp.StatusCode, snippet(body))
	}
	return strings.TrimSpace(string(body)), nil
}

// ListTools fetches the remote tool catalog via tools/list.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	result, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listing struct {
		Tools []protocol.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return listing.Tools, nil
}

// CallTool dispatches one tool invocation via tools/call and returns the
// raw result payload. Tool-level failures encoded inside the payload are
// not errors here; use ErrorText to detect them.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	result, err := c.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &payload); err != nil {
			// Non-object results (bare strings) are wrapped so callers
			// always see a map.
			var v any
			if err2 := json.Unmarshal(result, &v); err2 != nil {
				return nil, fmt.Errorf("decode tools/call result: %w", err)
			}
			payload = map[string]any{"result": v}
		}
	}
	return payload, nil
}

// CloseSession issues the bridge's session-closing tool for one id. A
// tool-level error in the payload counts as failure.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	result, err := c.CallTool(ctx, "r2_close_session", map[string]any{"session_id": id})
	if err != nil {
		return err
	}
	if text := ErrorText(result); text != "" {
		return fmt.Errorf("close %s: %s", id, text)
	}
	return nil
}

func (c *Client) emit(ctx context.Context, typ observability.EventType, level observability.Level, data map[string]any) {
	c.observer.OnEvent(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "bridge",
		Data:      data,
	})
}

func backoff(attempt int) time.Duration {
	return baseBackoff << (attempt - 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func snippet(body []byte) string {
	return truncate(strings.TrimSpace(string(body)), snippetLimit)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
