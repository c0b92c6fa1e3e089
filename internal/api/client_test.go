// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newTestClient builds a client against a test server with fast limits.
func newTestClient(url string) *Client {
	return NewClient(&ClientConfig{
		BaseURL:           url,
		Model:             "test-model",
		Timeout:           5 * time.Second,
		StallTimeout:      5 * time.Second,
		RequestsPerMinute: 6000,
	})
}

// sseHandler writes the given SSE events and closes the stream.
func sseHandler(t *testing.T, events []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			w.Write([]byte(ev))
			flusher.Flush()
		}
	}
}

// =============================================================================
// STREAMING
// =============================================================================

func TestClient_ChatStream(t *testing.T) {
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: [DONE]\n\n",
	}

	srv := httptest.NewServer(sseHandler(t, events))
	defer srv.Close()

	client := newTestClient(srv.URL)

	var got strings.Builder
	err := client.ChatStream(context.Background(), []ChatMessage{NewUserMessage("hi")}, func(delta string) {
		got.WriteString(delta)
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if got.String() != "Hello" {
		t.Errorf("assembled content = %q, want %q", got.String(), "Hello")
	}
}

func TestClient_ChatStream_MalformedFrameTolerated(t *testing.T) {
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n",
		"data: {not json}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n",
		"data: [DONE]\n\n",
	}

	srv := httptest.NewServer(sseHandler(t, events))
	defer srv.Close()

	var got strings.Builder
	err := newTestClient(srv.URL).ChatStream(context.Background(), nil, func(delta string) {
		got.WriteString(delta)
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if got.String() != "ab" {
		t.Errorf("assembled content = %q, want %q", got.String(), "ab")
	}
}

func TestClient_ChatStream_UnterminatedFinalFrame(t *testing.T) {
	// The body ends without [DONE] and the final frame has no trailing
	// newline; its delta must still be delivered on EOF.
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}",
	}

	srv := httptest.NewServer(sseHandler(t, events))
	defer srv.Close()

	var got strings.Builder
	err := newTestClient(srv.URL).ChatStream(context.Background(), nil, func(delta string) {
		got.WriteString(delta)
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if got.String() != "Hello" {
		t.Errorf("assembled content = %q, want %q", got.String(), "Hello")
	}
}

func TestClient_ChatStream_Stall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"))
		flusher.Flush()
		// Go silent without closing: a hung connection, not a clean end.
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	client := NewClient(&ClientConfig{
		BaseURL:           srv.URL,
		StallTimeout:      100 * time.Millisecond,
		RequestsPerMinute: 6000,
	})

	var got strings.Builder
	start := time.Now()
	err := client.ChatStream(context.Background(), nil, func(delta string) {
		got.WriteString(delta)
	})

	if !IsStalled(err) {
		t.Fatalf("ChatStream() error = %v, want stalled", err)
	}
	if got.String() != "partial" {
		t.Errorf("partial content = %q, want %q", got.String(), "partial")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stall detection took %v, want bounded time-to-quiescence", elapsed)
	}
}

func TestClient_ChatStream_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"))
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestClient(srv.URL).ChatStream(ctx, nil, func(string) {})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("ChatStream() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ChatStream did not return after cancellation")
	}
}

// =============================================================================
// NON-STREAMING
// =============================================================================

func TestClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("expected stream=false request")
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q, want test-model", req.Model)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "pong"}},
			},
		})
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Chat(context.Background(), []ChatMessage{NewUserMessage("ping")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.GetContent() != "pong" {
		t.Errorf("GetContent() = %q, want %q", resp.GetContent(), "pong")
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"invalid_api_key","message":"Incorrect API key provided"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Chat(context.Background(), nil)
	if err == nil {
		t.Fatal("Chat() should fail on 401")
	}
	if !strings.Contains(err.Error(), "Incorrect API key provided") {
		t.Errorf("error %q should surface provider detail", err.Error())
	}
}

func TestClient_ErrorResponse_Unparseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Chat(context.Background(), nil)
	if err == nil {
		t.Fatal("Chat() should fail on 502")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error %q should mention the status code", err.Error())
	}
}

func TestClient_Defaults(t *testing.T) {
	c := NewClient(nil)
	cfg := c.GetConfig()

	if cfg.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.StallTimeout != 45*time.Second {
		t.Errorf("default StallTimeout = %v, want 45s", cfg.StallTimeout)
	}
	if cfg.RequestsPerMinute != 60 {
		t.Errorf("default RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
}
