// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/morganforge/kestrel/internal/api"
	"github.com/morganforge/kestrel/internal/model"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind classifies engine errors for the UI-facing error callback.
type ErrorKind int

const (
	// ErrorKindTransport covers connection failures, TLS failures, and
	// timeouts. The in-flight message is not finalized; conversation state
	// is unaffected and the user may retry by resending.
	ErrorKindTransport ErrorKind = iota

	// ErrorKindProtocol covers non-2xx responses and malformed top-level
	// payloads, surfaced with provider-supplied detail where available.
	ErrorKindProtocol

	// ErrorKindCanceled reports a user-initiated stop of the active
	// generation. The partial content stays visible.
	ErrorKindCanceled

	// ErrorKindEmptyResponse reports a stream that completed with zero
	// content. Empty assistant turns are not persisted.
	ErrorKindEmptyResponse

	// ErrorKindPersistence covers local mirror write failures. A warning:
	// the in-memory store remains the source of truth.
	ErrorKindPersistence

	// ErrorKindSync covers secondary store failures. A warning: sync is
	// deferred to the next scheduled pass.
	ErrorKindSync
)

// String returns the kind's name for logging.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransport:
		return "transport"
	case ErrorKindProtocol:
		return "protocol"
	case ErrorKindCanceled:
		return "canceled"
	case ErrorKindEmptyResponse:
		return "empty_response"
	case ErrorKindPersistence:
		return "persistence"
	case ErrorKindSync:
		return "sync"
	default:
		return "unknown"
	}
}

// classifyRequestError maps a request worker error to an ErrorKind.
func classifyRequestError(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return ErrorKindCanceled
	}

	var clientErr *api.ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case api.ErrTypeProtocol:
			return ErrorKindProtocol
		default:
			return ErrorKindTransport
		}
	}
	return ErrorKindTransport
}

// =============================================================================
// EVENT SUBSCRIPTIONS
// =============================================================================

// PartialFunc receives each coalesced incremental content update for the
// in-flight assistant message.
type PartialFunc func(text string)

// CompleteFunc receives the finalized assistant message.
type CompleteFunc func(msg *model.Message)

// ErrorFunc receives terminal and warning-level engine errors.
type ErrorFunc func(kind ErrorKind, err error)

// callbacks is the engine's typed event-subscription registry. Subscribers
// are registered before the engine starts work; dispatch is read-locked so
// event fan-out from the coordinator never blocks registration for long.
type callbacks struct {
	mu         sync.RWMutex
	onPartial  []PartialFunc
	onComplete []CompleteFunc
	onError    []ErrorFunc
}

func (c *callbacks) addPartial(fn PartialFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPartial = append(c.onPartial, fn)
}

func (c *callbacks) addComplete(fn CompleteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = append(c.onComplete, fn)
}

func (c *callbacks) addError(fn ErrorFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *callbacks) firePartial(text string) {
	c.mu.RLock()
	subs := c.onPartial
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(text)
	}
}

func (c *callbacks) fireComplete(msg *model.Message) {
	c.mu.RLock()
	subs := c.onComplete
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (c *callbacks) fireError(kind ErrorKind, err error) {
	c.mu.RLock()
	subs := c.onError
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(kind, err)
	}
}
