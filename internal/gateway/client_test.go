package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tidewatch/tidewatch/internal/subagent"
)

var upgrader = websocket.Upgrader{}

// startServer runs a WebSocket endpoint that answers every request frame via
// handler and records the requests it saw.
func startServer(t *testing.T, handler func(req rpcRequest) rpcResponse) (string, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			log.add(req)
			if err := conn.WriteJSON(handler(req)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), log
}

type requestLog struct {
	mu   sync.Mutex
	reqs []rpcRequest
}

func (l *requestLog) add(req rpcRequest) {
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	l.mu.Unlock()
}

func (l *requestLog) last(t *testing.T) rpcRequest {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.reqs) == 0 {
		t.Fatal("no requests recorded")
	}
	return l.reqs[len(l.reqs)-1]
}

func startClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(url)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		connected := c.conn != nil
		c.mu.Unlock()
		if connected {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never connected")
	return nil
}

func okResult(v any) rpcResponse {
	data, _ := json.Marshal(v)
	return rpcResponse{Result: data}
}

// ─── WaitForRun ────────────────────────────────────────────────────────────

func TestWaitForRun(t *testing.T) {
	started := int64(1000)
	url, log := startServer(t, func(req rpcRequest) rpcResponse {
		res := okResult(subagent.WaitResult{Status: "ok", StartedAtMs: &started})
		res.ID = req.ID
		return res
	})
	c := startClient(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.WaitForRun(ctx, "run-1", 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "ok" || res.StartedAtMs == nil || *res.StartedAtMs != 1000 {
		t.Errorf("unexpected result: %+v", res)
	}

	req := log.last(t)
	if req.Method != "subagents.wait" {
		t.Errorf("method = %q", req.Method)
	}
	params, _ := json.Marshal(req.Params)
	var p struct {
		RunID     string `json:"runId"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	json.Unmarshal(params, &p)
	if p.RunID != "run-1" || p.TimeoutMs != 5000 {
		t.Errorf("params = %+v", p)
	}
}

// ─── Announce ──────────────────────────────────────────────────────────────

func TestAnnounce_DeliveredFlag(t *testing.T) {
	url, log := startServer(t, func(req rpcRequest) rpcResponse {
		res := okResult(map[string]bool{"delivered": true})
		res.ID = req.ID
		return res
	})
	c := startClient(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	did, err := c.Announce(ctx, subagent.AnnounceRequest{ChildRunID: "run-9", Task: "report"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !did {
		t.Error("expected delivered=true")
	}
	if log.last(t).Method != "subagents.announce" {
		t.Errorf("method = %q", log.last(t).Method)
	}
}

// ─── DeleteSession ─────────────────────────────────────────────────────────

func TestDeleteSession_SuppressesLifecycleHooks(t *testing.T) {
	url, log := startServer(t, func(req rpcRequest) rpcResponse {
		return rpcResponse{ID: req.ID}
	})
	c := startClient(t, url)

	if err := c.DeleteSession(context.Background(), "agent:child"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := log.last(t)
	if req.Method != "sessions.delete" {
		t.Errorf("method = %q", req.Method)
	}
	params, _ := json.Marshal(req.Params)
	var p struct {
		Key                string `json:"key"`
		DeleteTranscript   bool   `json:"deleteTranscript"`
		EmitLifecycleHooks bool   `json:"emitLifecycleHooks"`
	}
	json.Unmarshal(params, &p)
	if p.Key != "agent:child" || !p.DeleteTranscript || p.EmitLifecycleHooks {
		t.Errorf("params = %+v", p)
	}
}

// ─── Error handling ────────────────────────────────────────────────────────

func TestCall_ErrorFrame(t *testing.T) {
	url, _ := startServer(t, func(req rpcRequest) rpcResponse {
		return rpcResponse{ID: req.ID, Error: &rpcError{Code: 404, Message: "run not found"}}
	})
	c := startClient(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.WaitForRun(ctx, "ghost", 1000)
	if err == nil || !strings.Contains(err.Error(), "run not found") {
		t.Errorf("expected rpc error, got %v", err)
	}
}

func TestCall_NotConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/rpc")
	err := c.Call(context.Background(), "subagents.wait", nil, nil)
	if err == nil {
		t.Fatal("expected error when not connected")
	}
}
