// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persist maintains the on-disk mirror of the active conversation.
//
// The mirror is recovery state, not the source of truth: the in-memory
// store remains authoritative and a failed write only degrades crash
// recovery. Saves are debounced on the trailing edge so a burst of
// mutations (every streamed turn ends in one) collapses into a single
// write.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/morganforge/kestrel/internal/model"
	"github.com/morganforge/kestrel/internal/util"
)

// DefaultDebounce is the default trailing-edge save debounce window.
const DefaultDebounce = 5 * time.Second

// SnapshotFunc supplies the conversation state to persist. It must return
// a detached copy safe to read without further locking.
type SnapshotFunc func() *model.Conversation

// mirrorVersion is bumped on incompatible format changes.
const mirrorVersion = 1

// mirrorDoc is the on-disk representation of a conversation.
type mirrorDoc struct {
	Version        int              `json:"version"`
	ConversationID string           `json:"conversation_id"`
	Title          string           `json:"title,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Messages       []*model.Message `json:"messages"`
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator debounces and serializes conversation saves.
//
// ScheduleSave may be called from any goroutine at any rate; writes happen
// at most once per debounce window, on the trailing edge, and never overlap.
type Coordinator struct {
	path     string
	debounce time.Duration
	snapshot SnapshotFunc

	// onError receives save failures. Persistence errors are warnings;
	// they never interrupt the conversation.
	onError func(error)

	mu       sync.Mutex
	timer    *time.Timer
	saving   bool
	pending  bool
	closed   bool
	lastSave time.Time

	// writeMu serializes the actual writes. SaveNow and the debounce timer
	// must never race two writers to the same mirror path; whichever runs
	// second re-snapshots, so the file always ends up with the newer state.
	writeMu sync.Mutex
}

// NewCoordinator creates a save coordinator writing to path.
// onError may be nil.
func NewCoordinator(path string, debounce time.Duration, snapshot SnapshotFunc, onError func(error)) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		path:     path,
		debounce: debounce,
		snapshot: snapshot,
		onError:  onError,
	}
}

// ScheduleSave arms (or re-arms) the trailing-edge debounce timer. A burst
// of calls within one window produces exactly one write, carrying the
// newest state at fire time.
func (c *Coordinator) ScheduleSave() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Reset(c.debounce)
		return
	}
	c.timer = time.AfterFunc(c.debounce, c.fire)
}

// SaveNow bypasses debouncing and writes immediately. Used on shutdown and
// by explicit user saves.
func (c *Coordinator) SaveNow() error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	return c.save()
}

// Close stops the debounce timer and flushes a final save.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	return c.save()
}

// LastSaveTime returns when the mirror was last written by this process.
// The file watcher uses it to tell our own writes from external ones.
func (c *Coordinator) LastSaveTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSave
}

// fire runs on the timer goroutine when the debounce window elapses.
func (c *Coordinator) fire() {
	c.mu.Lock()
	c.timer = nil
	if c.saving {
		// A save is running; remember to go again with fresher state.
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.saving = true
	c.mu.Unlock()

	for {
		if err := c.save(); err != nil && c.onError != nil {
			c.onError(err)
		}

		c.mu.Lock()
		if !c.pending || c.closed {
			c.saving = false
			c.mu.Unlock()
			return
		}
		c.pending = false
		c.mu.Unlock()
	}
}

// save snapshots the conversation and writes the mirror atomically.
// Unfinalized streaming partials are excluded: only messages that have
// reached their immutable state are durable.
func (c *Coordinator) save() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conv := c.snapshot()
	if conv == nil {
		return nil
	}

	doc := mirrorDoc{
		Version:        mirrorVersion,
		ConversationID: conv.ID,
		Title:          conv.Title,
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
		Messages:       make([]*model.Message, 0, len(conv.Messages)),
	}
	for _, msg := range conv.Messages {
		if msg.IsStreaming || msg.Content == "" {
			continue
		}
		doc.Messages = append(doc.Messages, msg)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	if err := util.AtomicWriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write conversation mirror: %w", err)
	}

	c.mu.Lock()
	c.lastSave = time.Now()
	c.mu.Unlock()

	log.Printf("MIRROR_SAVED | path=%s messages=%d bytes=%d", c.path, len(doc.Messages), len(data))
	return nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the conversation mirror from path. A missing file is not an
// error; it returns (nil, nil) so callers start a fresh conversation.
func Load(path string) (*model.Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read conversation mirror: %w", err)
	}

	var doc mirrorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("conversation mirror is corrupt: %w", err)
	}
	if doc.Version != mirrorVersion {
		return nil, fmt.Errorf("unsupported mirror version %d", doc.Version)
	}

	conv := model.NewConversation()
	if doc.ConversationID != "" {
		conv.ID = doc.ConversationID
	}
	conv.Title = doc.Title
	if !doc.CreatedAt.IsZero() {
		conv.CreatedAt = doc.CreatedAt
	}
	if !doc.UpdatedAt.IsZero() {
		conv.UpdatedAt = doc.UpdatedAt
	}
	for _, msg := range doc.Messages {
		if msg == nil || msg.ID == "" || !msg.Role.Valid() {
			continue
		}
		conv.Messages = append(conv.Messages, msg)
	}

	log.Printf("MIRROR_LOADED | path=%s messages=%d", path, len(conv.Messages))
	return conv, nil
}
