// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the streaming chat session engine.
//
// This file implements delta coalescing for one in-flight streaming
// request. Upstream token deltas arrive at arbitrary granularity (often one
// word or less per frame); pushing each one to the consumer would flood it
// with updates. The Aggregator buffers deltas and flushes them on a fixed
// cadence, bounding the consumer-facing update frequency independent of
// upstream chunking.
package chat

import (
	"strings"
	"sync"
	"time"
)

// DefaultFlushInterval is the default coalescing cadence for partial
// content updates.
const DefaultFlushInterval = 100 * time.Millisecond

// =============================================================================
// STREAM AGGREGATOR
// =============================================================================

// Aggregator owns the delta lifecycle of one streaming request: it buffers
// incoming deltas, delivers coalesced partial updates at a bounded cadence,
// and assembles the finalized message string.
//
// Thread-safety: OnDelta is called from the request worker goroutine while
// the flush timer fires on its own goroutine, so all state is mutex-guarded.
// A fresh Aggregator is created per request.
type Aggregator struct {
	mu sync.Mutex

	// cbMu serializes callback delivery. A cadence flush already past the
	// stopped check must finish delivering its partial before finalization
	// may fire, so no partial ever lands after the completion callback.
	// Lock order: cbMu before mu.
	cbMu sync.Mutex

	// pending holds deltas not yet delivered to the consumer.
	pending strings.Builder
	// full accumulates the complete response across flushes.
	full strings.Builder

	interval time.Duration
	started  time.Time
	timer    *time.Timer
	stopped  bool
	// finalized guards completion idempotence: OnStreamEnd twice must not
	// re-fire the completion callback.
	finalized bool

	// onPartial receives each coalesced incremental update.
	onPartial func(text string)
	// onComplete receives the full assembled string and the elapsed
	// wall-clock time since the aggregator was started.
	onComplete func(full string, elapsed time.Duration)
	// onFailure receives the terminal error. Already-delivered partial
	// content is not retracted; it simply is never finalized.
	onFailure func(err error)
}

// NewAggregator creates an aggregator for one streaming request. The clock
// for the finalized message's response time starts immediately, so create
// the aggregator when the request is issued, not at first delta.
func NewAggregator(interval time.Duration, onPartial func(string), onComplete func(string, time.Duration), onFailure func(error)) *Aggregator {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	a := &Aggregator{
		interval:   interval,
		started:    time.Now(),
		onPartial:  onPartial,
		onComplete: onComplete,
		onFailure:  onFailure,
	}
	a.timer = time.AfterFunc(interval, a.tick)
	return a
}

// OnDelta appends a delta to the internal buffer. It never pushes to the
// consumer synchronously; delivery happens on the flush cadence.
func (a *Aggregator) OnDelta(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}
	a.pending.WriteString(text)
}

// OnStreamEnd performs a final flush, computes the response time, and fires
// the completion callback with the full assembled string. Idempotent: only
// the first call completes.
func (a *Aggregator) OnStreamEnd() {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()

	a.mu.Lock()

	if a.finalized || a.stopped {
		a.mu.Unlock()
		return
	}
	a.finalized = true
	a.stopLocked()

	partial := a.drainLocked()
	full := a.full.String()
	elapsed := time.Since(a.started)

	a.mu.Unlock()

	// Callbacks run outside the lock; they may call back into the engine.
	if partial != "" && a.onPartial != nil {
		a.onPartial(partial)
	}
	if a.onComplete != nil {
		a.onComplete(full, elapsed)
	}
}

// OnStreamError stops the flush cadence and reports the terminal error.
// Partial content already delivered stays with the consumer; it is
// intentionally not promoted to a finalized message.
func (a *Aggregator) OnStreamError(err error) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()

	a.mu.Lock()

	if a.finalized || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopLocked()
	a.mu.Unlock()

	if a.onFailure != nil {
		a.onFailure(err)
	}
}

// Elapsed returns the time since the aggregator was started.
func (a *Aggregator) Elapsed() time.Duration {
	return time.Since(a.started)
}

// =============================================================================
// FLUSH CADENCE
// =============================================================================

// tick drains the pending buffer into one coalesced partial update.
func (a *Aggregator) tick() {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()

	a.mu.Lock()

	if a.stopped {
		a.mu.Unlock()
		return
	}
	partial := a.drainLocked()
	a.timer.Reset(a.interval)

	a.mu.Unlock()

	if partial != "" && a.onPartial != nil {
		a.onPartial(partial)
	}
}

// drainLocked moves pending content into the full accumulator and returns it.
func (a *Aggregator) drainLocked() string {
	if a.pending.Len() == 0 {
		return ""
	}
	partial := a.pending.String()
	a.pending.Reset()
	a.full.WriteString(partial)
	return partial
}

// stopLocked halts the flush timer permanently.
func (a *Aggregator) stopLocked() {
	a.stopped = true
	a.timer.Stop()
}
