package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/studiobridge/studiobridge/internal/gateway"
	"github.com/studiobridge/studiobridge/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBridge wires a gateway behind the HTTP handlers on an httptest
// server. Short budgets keep the long-poll tests fast.
func newTestBridge(t *testing.T) (*httptest.Server, *gateway.Gateway) {
	t.Helper()

	cfg := &Config{
		Addr:          "127.0.0.1:0",
		PollBudget:    100 * time.Millisecond,
		CallTimeout:   2 * time.Second,
		StopGrace:     50 * time.Millisecond,
		MaxQueueDepth: 8,
	}
	gw := gateway.New(gateway.Options{
		MaxQueueDepth: cfg.MaxQueueDepth,
		PollBudget:    cfg.PollBudget,
		StopGrace:     cfg.StopGrace,
		Logger:        discardLogger(),
	})
	srv := NewServer(cfg, gw, discardLogger())

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		gw.Shutdown()
	})
	return ts, gw
}

func TestPoll_EmptyAnswersLocked(t *testing.T) {
	ts, _ := newTestBridge(t)

	resp, err := http.Get(ts.URL + "/request")
	if err != nil {
		t.Fatalf("polling: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusLocked {
		t.Errorf("status: got %d, want %d", resp.StatusCode, http.StatusLocked)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body should be empty on an idle poll, got %q", body)
	}
}

func TestPollAndCompletion_RoundTrip(t *testing.T) {
	ts, gw := newTestBridge(t)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		payload, err := gw.Invoke(context.Background(), "echo", json.RawMessage(`{"x":1}`), 2*time.Second)
		resultCh <- payload
		errCh <- err
	}()

	// Poll until the queued item is delivered.
	var item protocol.WorkItem
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/request")
		if err != nil {
			t.Fatalf("polling: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
				t.Fatalf("decoding work item: %v", err)
			}
			resp.Body.Close()
			break
		}
		resp.Body.Close()
		if time.Now().After(deadline) {
			t.Fatal("work item never delivered")
		}
	}

	if item.Tool != "echo" {
		t.Errorf("tool: got %q, want echo", item.Tool)
	}
	if string(item.Args) != `{"x":1}` {
		t.Errorf("args: got %s, want {\"x\":1}", item.Args)
	}

	// Post the terminal result back.
	completion, _ := json.Marshal(protocol.Completion{
		ID:       item.ID,
		Terminal: true,
		Payload:  item.Args,
	})
	resp, err := http.Post(ts.URL+"/response", "application/json", bytes.NewReader(completion))
	if err != nil {
		t.Fatalf("posting completion: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("completion status: got %d, want 200", resp.StatusCode)
	}

	payload := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(payload) != `{"x":1}` {
		t.Errorf("invoke payload: got %s, want {\"x\":1}", payload)
	}
}

func TestCompletion_MalformedRejected(t *testing.T) {
	ts, _ := newTestBridge(t)

	resp, err := http.Post(ts.URL+"/response", "application/json", bytes.NewReader([]byte(`{{{`)))
	if err != nil {
		t.Fatalf("posting: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestCompletion_StaleStillAcknowledged(t *testing.T) {
	ts, _ := newTestBridge(t)

	body, _ := json.Marshal(protocol.Completion{
		ID:       "never-registered",
		Terminal: true,
		Payload:  json.RawMessage(`"late"`),
	})
	resp, err := http.Post(ts.URL+"/response", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("posting: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (stale posts must not trigger retries)", resp.StatusCode)
	}

	var ack protocol.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if !ack.Accepted {
		t.Error("stale post should still be accepted")
	}
}

func TestProxy_BadBodyRejected(t *testing.T) {
	ts, _ := newTestBridge(t)

	resp, err := http.Post(ts.URL+"/proxy", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("posting: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestProxy_ForwardedCallRoundTrip(t *testing.T) {
	ts, gw := newTestBridge(t)

	// Emulate the plugin against the primary's gateway.
	go func() {
		item, ok := gw.ClaimNext(context.Background(), 2*time.Second)
		if !ok {
			return
		}
		_ = gw.Complete(&protocol.Completion{ID: item.ID, Terminal: true, Payload: item.Args})
	}()

	body, _ := json.Marshal(protocol.ProxyRequest{
		Tool:           "echo",
		Args:           json.RawMessage(`{"y":2}`),
		TimeoutSeconds: 2,
	})
	resp, err := http.Post(ts.URL+"/proxy", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("posting: %v", err)
	}
	defer resp.Body.Close()

	var proxyResp protocol.ProxyResponse
	if err := json.NewDecoder(resp.Body).Decode(&proxyResp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !proxyResp.OK {
		t.Fatalf("proxy call failed: %s %s", proxyResp.ErrorKind, proxyResp.Error)
	}
	if string(proxyResp.Payload) != `{"y":2}` {
		t.Errorf("payload: got %s, want {\"y\":2}", proxyResp.Payload)
	}
}

func TestProxy_TimeoutSurfacedWithKind(t *testing.T) {
	ts, _ := newTestBridge(t)

	body, _ := json.Marshal(protocol.ProxyRequest{
		Tool:           "ping",
		TimeoutSeconds: 0.2,
	})
	resp, err := http.Post(ts.URL+"/proxy", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("posting: %v", err)
	}
	defer resp.Body.Close()

	var proxyResp protocol.ProxyResponse
	if err := json.NewDecoder(resp.Body).Decode(&proxyResp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if proxyResp.OK {
		t.Fatal("call with no plugin should not succeed")
	}
	if proxyResp.ErrorKind != "timeout" {
		t.Errorf("error kind: got %q, want timeout", proxyResp.ErrorKind)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestBridge(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("getting health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}

	var stats gateway.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.QueueDepth != 0 || stats.InFlight != 0 {
		t.Errorf("fresh bridge should be idle, got %+v", stats)
	}
}

func TestUnknownEndpoint(t *testing.T) {
	ts, _ := newTestBridge(t)

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}
