// Package gateway implements the WebSocket RPC client for the agent gateway:
// the process that actually executes agent runs. The registry talks to it for
// bounded completion waits, announce delivery, and session deletion.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tidewatch/tidewatch/internal/subagent"
)

const (
	reconnectDelay     = 5 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// rpcRequest is one call frame sent to the gateway.
type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// rpcResponse is one reply frame. Frames without a matching pending call are
// dropped.
type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("gateway: rpc error %d: %s", e.Code, e.Message)
}

// Client maintains one WebSocket connection to the gateway and correlates
// replies to in-flight calls by id.
type Client struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan rpcResponse
}

func NewClient(url string) *Client {
	return &Client{
		url:     url,
		pending: make(map[string]chan rpcResponse),
	}
}

// Run dials the gateway and reads frames until ctx is cancelled, redialling
// after a fixed delay whenever the connection drops. In-flight calls on a
// dropped connection fail immediately.
func (c *Client) Run(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("gateway: url not configured")
	}
	for {
		if err := c.connect(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		slog.Warn("gateway: dial failed", "url", c.url, "err", err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	slog.Info("gateway: connected", "url", c.url)

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	conn.Close()
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var res rpcResponse
		if err := json.Unmarshal(raw, &res); err != nil || res.ID == "" {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[res.ID]
		if ok {
			delete(c.pending, res.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- res
			close(ch)
		}
	}
}

// Call sends one request and decodes the reply into result (which may be
// nil). Fails fast when the gateway is not connected.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req := rpcRequest{ID: uuid.NewString(), Method: method, Params: params}
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("gateway: not connected")
	}
	c.pending[req.ID] = ch
	err := conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.dropPending(req.ID)
		return fmt.Errorf("gateway: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(req.ID)
		return ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("gateway: connection lost during %s", method)
		}
		if res.Error != nil {
			return res.Error
		}
		if result != nil && len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, result); err != nil {
				return fmt.Errorf("gateway: decode %s reply: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// WaitForRun blocks on the gateway until the run reaches a terminal state or
// the gateway-side timeout elapses. The caller's ctx carries the network
// deadline (timeoutMs plus slack).
func (c *Client) WaitForRun(ctx context.Context, runID string, timeoutMs int64) (*subagent.WaitResult, error) {
	params := map[string]any{
		"runId":     runID,
		"timeoutMs": timeoutMs,
	}
	var res subagent.WaitResult
	if err := c.Call(ctx, "subagents.wait", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteSession asks the gateway to remove a session and its transcript with
// lifecycle hooks suppressed.
func (c *Client) DeleteSession(ctx context.Context, key string) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}
	params := map[string]any{
		"key":                key,
		"deleteTranscript":   true,
		"emitLifecycleHooks": false,
	}
	return c.Call(ctx, "sessions.delete", params, nil)
}

// Announce delivers a subagent completion notice to the requester's session.
// The reply's delivered flag is didAnnounce.
func (c *Client) Announce(ctx context.Context, req subagent.AnnounceRequest) (bool, error) {
	var res struct {
		Delivered bool `json:"delivered"`
	}
	if err := c.Call(ctx, "subagents.announce", req, &res); err != nil {
		return false, err
	}
	return res.Delivered, nil
}
