// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the streaming chat session engine.
//
// The engine follows a strict message-passing design: one coordinator
// goroutine owns the conversation store and is the only code that mutates
// it. Request workers, the flush cadence, persistence, and sync all run on
// their own goroutines and communicate with the coordinator exclusively
// through its inbox. This is the structural guarantee against races on
// conversation state; nothing recovers from ordering corruption because
// nothing can cause it.
package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/morganforge/kestrel/internal/api"
	"github.com/morganforge/kestrel/internal/model"
)

// ErrBusy is returned when a send-class operation is requested while a
// request is already in flight for the conversation. The UI should disable
// the send affordance; the engine guards against it regardless.
var ErrBusy = errors.New("a request is already in flight for this conversation")

// ErrNoUserMessage is returned by RegenerateLast when the conversation has
// no user turn to regenerate from.
var ErrNoUserMessage = errors.New("no user message to regenerate from")

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Saver schedules durable local snapshots of the conversation.
type Saver interface {
	// ScheduleSave requests a debounced save; bursts coalesce.
	ScheduleSave()
	// SaveNow bypasses debouncing for shutdown/critical paths.
	SaveNow() error
}

// Syncer replicates the conversation to the secondary history store.
type Syncer interface {
	// Schedule requests an asynchronous sync pass.
	Schedule(upload, download bool)
	// SyncNow starts a pass immediately, returning false if one is
	// already running (passes are rejected, not queued).
	SyncNow(ctx context.Context, upload, download bool) bool
}

// =============================================================================
// OPTIONS
// =============================================================================

// Options holds the engine's explicit configuration. Components receive
// their settings at construction; there is no global settings object.
type Options struct {
	// FlushInterval is the partial-update coalescing cadence (default 100ms).
	FlushInterval time.Duration

	// MaxHistory caps the in-memory conversation length (default 1000).
	MaxHistory int

	// SystemPrompt, when set, is prepended to every request.
	SystemPrompt string

	// Streaming selects the streaming request path (default). When false
	// the engine issues one blocking completion request instead.
	Streaming bool

	// SyncUpload / SyncDownload select the directions of scheduled sync
	// passes triggered by completed turns.
	SyncUpload   bool
	SyncDownload bool
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		FlushInterval: DefaultFlushInterval,
		MaxHistory:    DefaultMaxHistory,
		Streaming:     true,
		SyncUpload:    true,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs one conversation's streaming chat session.
type Engine struct {
	client *api.Client
	store  *Store
	opts   Options

	saver  Saver
	syncer Syncer

	cb callbacks

	// inbox carries ordered work items to the coordinator goroutine; it is
	// the only path by which background work reaches conversation state.
	inbox chan func()
	stop  chan struct{}
	wg    sync.WaitGroup

	// mu guards the in-flight request slot.
	mu           sync.Mutex
	busy         bool
	cancelActive context.CancelFunc

	syncWarnOnce sync.Once
	closeOnce    sync.Once
}

// NewEngine creates an engine around a fresh conversation and starts its
// coordinator. saver and syncer may be nil (persistence or sync disabled).
func NewEngine(client *api.Client, opts Options, saver Saver, syncer Syncer) *Engine {
	return NewEngineWithStore(client, NewStore(opts.MaxHistory), opts, saver, syncer)
}

// NewEngineWithStore creates an engine around an existing store, e.g. one
// restored from the on-disk mirror.
func NewEngineWithStore(client *api.Client, store *Store, opts Options, saver Saver, syncer Syncer) *Engine {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	e := &Engine{
		client: client,
		store:  store,
		opts:   opts,
		saver:  saver,
		syncer: syncer,
		inbox:  make(chan func(), 64),
		stop:   make(chan struct{}),
	}

	e.wg.Add(1)
	go e.run()
	return e
}

// Store exposes the conversation store for read-side consumers (snapshot
// providers for persistence and sync). Mutations remain coordinator-only.
func (e *Engine) Store() *Store {
	return e.store
}

// run is the coordinator loop. All conversation mutations execute here, in
// posting order.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.inbox:
			fn()
		case <-e.stop:
			// Drain whatever is already queued so completions posted just
			// before shutdown are not lost.
			for {
				select {
				case fn := <-e.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post hands a work item to the coordinator.
func (e *Engine) post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.stop:
	}
}

// Close cancels any active request, stops the coordinator, and flushes a
// final save.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.CancelActive()
		close(e.stop)
		e.wg.Wait()

		if e.saver != nil {
			err = e.saver.SaveNow()
		}
	})
	return err
}

// =============================================================================
// EVENT SUBSCRIPTIONS
// =============================================================================

// OnPartial registers a callback for coalesced incremental content updates.
func (e *Engine) OnPartial(fn PartialFunc) { e.cb.addPartial(fn) }

// OnComplete registers a callback for finalized assistant messages.
func (e *Engine) OnComplete(fn CompleteFunc) { e.cb.addComplete(fn) }

// OnError registers a callback for terminal and warning-level errors.
func (e *Engine) OnError(fn ErrorFunc) { e.cb.addError(fn) }

// =============================================================================
// SEND / REGENERATE / EDIT / CANCEL
// =============================================================================

// Send appends a user message and starts a request for the assistant turn.
// Returns ErrBusy if a request is already in flight.
func (e *Engine) Send(text string) error {
	ctx, err := e.acquire()
	if err != nil {
		return err
	}

	e.post(func() {
		e.store.DropUnfinalized()
		e.store.Append(model.NewUserMessage(text))
		if e.saver != nil {
			e.saver.ScheduleSave()
		}
		e.startRequest(ctx)
	})
	return nil
}

// RegenerateLast discards the last assistant turn and requests a fresh one
// for the same user message. Returns ErrBusy while a request is in flight.
func (e *Engine) RegenerateLast() error {
	snapshot := e.store.Snapshot()
	if snapshot.LastUserMessage() == nil {
		return ErrNoUserMessage
	}

	ctx, err := e.acquire()
	if err != nil {
		return err
	}

	e.post(func() {
		e.store.DropUnfinalized()
		// Swap the old assistant tail for the new turn's streaming
		// placeholder in one atomic step: readers observe either the old
		// turn or the placeholder, never the tail truncated with nothing
		// in its place.
		idx := e.store.LastAssistantIndex()
		if idx < 0 {
			idx = e.store.MessageCount()
		}
		e.store.ReplaceTail(idx, model.NewAssistantMessage())
		e.startRequest(ctx)
	})
	return nil
}

// EditMessage rewrites a previously sent user message: every message after
// (and including) the edited one is removed, the new content is appended as
// the new tail, and a fresh request is started.
func (e *Engine) EditMessage(id string, newText string) error {
	if e.store.IndexOf(id) < 0 {
		return ErrMessageNotFound
	}

	ctx, err := e.acquire()
	if err != nil {
		return err
	}

	e.post(func() {
		e.store.DropUnfinalized()
		idx := e.store.IndexOf(id)
		if idx >= 0 {
			e.store.TruncateFrom(idx)
		}
		e.store.Append(model.NewUserMessage(newText))
		if e.saver != nil {
			e.saver.ScheduleSave()
		}
		e.startRequest(ctx)
	})
	return nil
}

// Clear empties the conversation. Burned IDs stay burned; a cleared
// message can never come back under the same ID.
func (e *Engine) Clear() {
	e.post(func() {
		e.store.DropUnfinalized()
		e.store.TruncateFrom(0)
		if e.saver != nil {
			e.saver.ScheduleSave()
		}
	})
}

// CancelActive cancels the in-flight request, if any. Cancellation is
// advisory to the network layer but mandatory for decoder consumption: the
// worker stops between chunks and no completion is emitted.
func (e *Engine) CancelActive() {
	e.mu.Lock()
	cancel := e.cancelActive
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// acquire claims the single in-flight request slot.
func (e *Engine) acquire() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.busy {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.busy = true
	e.cancelActive = cancel
	return ctx, nil
}

// release frees the request slot. Runs on the coordinator.
func (e *Engine) release() {
	e.mu.Lock()
	if e.cancelActive != nil {
		e.cancelActive()
	}
	e.busy = false
	e.cancelActive = nil
	e.mu.Unlock()
}

// =============================================================================
// REQUEST WORKER
// =============================================================================

// startRequest spawns the worker for one request/response cycle. Runs on
// the coordinator; the worker itself never touches the store.
func (e *Engine) startRequest(ctx context.Context) {
	messages := e.buildRequestMessages()

	agg := NewAggregator(e.opts.FlushInterval,
		func(text string) {
			e.post(func() { e.applyPartial(text) })
		},
		func(full string, elapsed time.Duration) {
			e.post(func() { e.applyComplete(full, elapsed) })
		},
		func(err error) {
			e.post(func() { e.applyFailure(err) })
		},
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if e.opts.Streaming {
			err := e.client.ChatStream(ctx, messages, agg.OnDelta)
			if err != nil {
				agg.OnStreamError(err)
				return
			}
			agg.OnStreamEnd()
			return
		}

		// Non-streaming path: one blocking completion request.
		resp, err := e.client.Chat(ctx, messages)
		if err != nil {
			agg.OnStreamError(err)
			return
		}
		agg.OnDelta(resp.GetContent())
		agg.OnStreamEnd()
	}()
}

// buildRequestMessages projects the conversation into the wire format.
// Unfinalized partials are excluded; they are not history.
func (e *Engine) buildRequestMessages() []api.ChatMessage {
	snapshot := e.store.Snapshot()

	messages := make([]api.ChatMessage, 0, len(snapshot.Messages)+1)
	if e.opts.SystemPrompt != "" {
		messages = append(messages, api.NewSystemMessage(e.opts.SystemPrompt))
	}

	for _, msg := range snapshot.Messages {
		if msg.IsStreaming || msg.Content == "" {
			continue
		}
		messages = append(messages, api.ChatMessage{
			Role:    msg.Role.String(),
			Content: msg.Content,
		})
	}

	return messages
}

// =============================================================================
// COORDINATOR EVENT HANDLERS
// =============================================================================

// applyPartial routes one coalesced update into the in-flight message.
// The assistant placeholder is created on the first delta.
func (e *Engine) applyPartial(text string) {
	if err := e.store.AppendToActive(text); err != nil {
		e.store.BeginStreaming()
		e.store.AppendToActive(text)
	}
	e.cb.firePartial(text)
}

// applyComplete finalizes the assistant turn.
func (e *Engine) applyComplete(full string, elapsed time.Duration) {
	defer e.release()

	if full == "" {
		// A clean stream end with zero content is not a valid assistant
		// turn; report it instead of persisting an empty message.
		e.store.DropUnfinalized()
		e.cb.fireError(ErrorKindEmptyResponse, errors.New("assistant returned an empty response"))
		return
	}

	msg, err := e.store.FinalizeActive(elapsed)
	if err != nil {
		// No placeholder: the full content arrived without any partial
		// flush. Append and finalize in one step.
		e.store.BeginStreaming()
		e.store.AppendToActive(full)
		msg, err = e.store.FinalizeActive(elapsed)
		if err != nil {
			e.cb.fireError(ErrorKindProtocol, err)
			return
		}
	}

	log.Printf("TURN_COMPLETE | message_id=%s chars=%d response_time=%dms",
		msg.ID, len(msg.Content), msg.ResponseTime.Milliseconds())

	e.cb.fireComplete(msg)

	if e.saver != nil {
		e.saver.ScheduleSave()
	}
	e.scheduleSyncLocked()
}

// applyFailure reports a terminal request error. Partial content already
// shown stays visible; it is dropped before the next turn begins.
func (e *Engine) applyFailure(err error) {
	defer e.release()

	e.store.AbandonActive()

	kind := classifyRequestError(err)
	log.Printf("REQUEST_ERROR | kind=%s error=%v", kind, err)
	e.cb.fireError(kind, err)
}

// =============================================================================
// SYNC / PERSISTENCE SURFACE
// =============================================================================

// ScheduleSync requests an asynchronous sync pass in the given directions.
func (e *Engine) ScheduleSync(upload, download bool) {
	if e.syncer == nil {
		e.syncWarnOnce.Do(func() {
			log.Printf("SYNC_DISABLED | no history store configured")
		})
		return
	}
	e.syncer.Schedule(upload, download)
}

// SyncNow runs a sync pass immediately. Returns whether a pass was actually
// started, given the single-pass-at-a-time rule.
func (e *Engine) SyncNow(upload, download bool) bool {
	if e.syncer == nil {
		e.syncWarnOnce.Do(func() {
			log.Printf("SYNC_DISABLED | no history store configured")
		})
		return false
	}
	return e.syncer.SyncNow(context.Background(), upload, download)
}

// scheduleSyncLocked triggers the configured post-turn sync directions.
func (e *Engine) scheduleSyncLocked() {
	if e.syncer == nil || (!e.opts.SyncUpload && !e.opts.SyncDownload) {
		return
	}
	e.syncer.Schedule(e.opts.SyncUpload, e.opts.SyncDownload)
}

// ApplyDownloaded routes records fetched from the secondary store through
// the coordinator's append path, respecting the single-writer discipline.
// Records whose IDs are already known (including truncated ones) are
// skipped.
func (e *Engine) ApplyDownloaded(records []model.SyncRecord) {
	if len(records) == 0 {
		return
	}

	e.post(func() {
		added := 0
		for _, rec := range records {
			if e.store.HasMessage(rec.ID) {
				continue
			}
			role := model.Role(rec.Sender)
			if !role.Valid() {
				continue
			}
			msg := &model.Message{
				ID:           rec.ID,
				Role:         role,
				Content:      rec.Message,
				CreatedAt:    rec.CreatedAt,
				ResponseTime: rec.ResponseTime,
			}
			e.store.Append(msg)
			added++
		}

		if added > 0 {
			log.Printf("SYNC_DOWNLOAD_APPLIED | records=%d", added)
			if e.saver != nil {
				e.saver.ScheduleSave()
			}
		}
	})
}
