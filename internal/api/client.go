// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for OpenAI-compatible chat endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/morganforge/kestrel/internal/sse"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotConfigured
	ErrTypeConnection
	ErrTypeTimeout
	ErrTypeStalled
	ErrTypeProtocol
)

// ClientError represents an error from the chat API client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Sentinel errors for easy checking.
var (
	ErrNotConfigured = &ClientError{Type: ErrTypeNotConfigured, Message: "API endpoint not configured"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	// ErrStalled marks a connection that went silent mid-stream: no byte
	// received within the stall window. Distinct from a clean stream end.
	ErrStalled = &ClientError{Type: ErrTypeStalled, Message: "stream stalled: no data received"}
)

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeTimeout
	}
	return errors.Is(err, ErrTimeout)
}

// IsStalled checks if an error indicates a stalled stream.
func IsStalled(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeStalled
	}
	return errors.Is(err, ErrStalled)
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the chat API client.
type ClientConfig struct {
	// BaseURL of the OpenAI-compatible endpoint, e.g. "https://api.openai.com/v1"
	BaseURL string

	// APIKey sent as a bearer token. May be empty for local endpoints.
	APIKey string

	// Model identifier sent with each request.
	Model string

	// Timeout for non-streaming requests (default: 30s)
	Timeout time.Duration

	// StallTimeout aborts a streaming request when no byte arrives for this
	// long (default: 45s). Guards against hung connections that never EOF.
	StallTimeout time.Duration

	// RequestsPerMinute caps request starts (default: 60; 0 uses the default).
	RequestsPerMinute int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:           "https://api.openai.com/v1",
		Timeout:           30 * time.Second,
		StallTimeout:      45 * time.Second,
		RequestsPerMinute: 60,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with an OpenAI-compatible chat endpoint.
// It is safe for concurrent use.
type Client struct {
	config *ClientConfig

	// PERFORMANCE: shared clients reuse pooled connections across requests.
	httpClient *http.Client
	// streamClient has no client-level timeout; streaming lifetime is
	// controlled via context plus the stall watchdog.
	streamClient *http.Client

	limiter *rate.Limiter
}

// NewClient creates a new chat API client.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	// Fill in defaults for any zero values
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.StallTimeout == 0 {
		config.StallTimeout = 45 * time.Second
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}

	perSecond := rate.Limit(float64(config.RequestsPerMinute) / 60.0)

	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
		limiter:      rate.NewLimiter(perSecond, config.RequestsPerMinute),
	}
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *ClientConfig {
	return c.config
}

// =============================================================================
// NON-STREAMING CHAT
// =============================================================================

// Chat sends a chat request and returns the complete response.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	resp, err := c.do(ctx, c.httpClient, ChatRequest{
		Model:    c.config.Model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeProtocol, Message: "failed to decode response", Cause: err}
	}

	return &result, nil
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamCallback is called for each content delta received during streaming.
type StreamCallback func(delta string)

// ChatStream sends a streaming chat request and calls the callback for each
// content delta, in arrival order, until the stream terminates.
//
// Cancellation is cooperative: once ctx is done, no further chunks are
// consumed and the call returns ctx's error. A connection that produces no
// byte for StallTimeout is cancelled and reported as ErrStalled.
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage, callback StreamCallback) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.do(ctx, c.streamClient, ChatRequest{
		Model:    c.config.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Stall watchdog: cancels the request context when the connection goes
	// silent. Reset after every successful read.
	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.config.StallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	decoder := sse.NewDecoder()
	buf := make([]byte, 4096)

	for {
		// Cooperative cancellation between chunks.
		select {
		case <-ctx.Done():
			if stalled.Load() {
				return ErrStalled
			}
			return ctx.Err()
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(c.config.StallTimeout)
			for _, delta := range decoder.Feed(buf[:n]) {
				callback(delta)
			}
			if decoder.Done() {
				return nil
			}
		}

		if err != nil {
			if err == io.EOF {
				// Clean end of body. Missing [DONE] is tolerated: some
				// proxies close the stream without the sentinel, and some
				// skip the final newline too, so flush the carry buffer.
				for _, delta := range decoder.Flush() {
					callback(delta)
				}
				return nil
			}
			if stalled.Load() {
				return ErrStalled
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ClientError{Type: ErrTypeConnection, Message: "failed to read from stream", Cause: err}
		}
	}
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// do issues one POST to the chat completions endpoint and returns the
// response with a 2xx status. Error responses are drained and mapped.
func (c *Client) do(ctx context.Context, httpClient *http.Client, reqBody ChatRequest) (*http.Response, error) {
	if c.config.BaseURL == "" {
		return nil, ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeProtocol, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to reach chat endpoint", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, c.handleErrorResponse(resp.StatusCode, data)
	}

	return resp, nil
}

// handleErrorResponse maps a non-2xx response to a ClientError, surfacing
// the provider-supplied detail where the body is parseable.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &ClientError{
			Type:    ErrTypeProtocol,
			Message: fmt.Sprintf("chat API error [%s] (HTTP %d): %s", apiErr.Error.Code, statusCode, apiErr.Error.Message),
		}
	}

	return &ClientError{
		Type:    ErrTypeProtocol,
		Message: fmt.Sprintf("chat request failed: HTTP %d", statusCode),
	}
}
