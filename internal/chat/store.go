// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the streaming chat session engine.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morganforge/kestrel/internal/model"
)

// DefaultMaxHistory is the maximum number of messages kept in conversation
// history. When exceeded, old messages are pruned to prevent unbounded
// memory growth. System messages are always preserved.
const DefaultMaxHistory = 1000

var (
	// ErrNoActiveStream is returned by streaming mutations when no message
	// is currently accumulating streamed content.
	ErrNoActiveStream = errors.New("no active streaming message")

	// ErrMessageNotFound is returned when a message ID is not in the store.
	ErrMessageNotFound = errors.New("message not found")
)

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// Store is the authoritative in-memory holder of the active conversation.
//
// It is a single-writer data owner: only the engine's coordinator mutates it.
// Background readers (persistence, sync) get immutable snapshots and never
// touch the live sequence. The internal mutex makes Snapshot safe to call
// from any goroutine; it does not license external writers.
type Store struct {
	mu         sync.RWMutex
	conv       *model.Conversation
	maxHistory int

	// activeID is the ID of the one in-flight streaming message, or "".
	// Invariant: at most one message per conversation accumulates streamed
	// content; all others are immutable.
	activeID string

	// usedIDs guards against ID reuse after truncation, so sync can never
	// confuse a deleted message with a new one in the same slot.
	usedIDs map[string]struct{}
}

// NewStore creates a store around a fresh conversation.
func NewStore(maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Store{
		conv:       model.NewConversation(),
		maxHistory: maxHistory,
		usedIDs:    make(map[string]struct{}),
	}
}

// NewStoreWithConversation creates a store around a restored conversation,
// e.g. one loaded from the on-disk mirror.
func NewStoreWithConversation(conv *model.Conversation, maxHistory int) *Store {
	s := NewStore(maxHistory)
	if conv != nil {
		s.conv = conv
		for _, msg := range conv.Messages {
			s.usedIDs[msg.ID] = struct{}{}
		}
	}
	return s
}

// ConversationID returns the stable ID of the held conversation.
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.ID
}

// =============================================================================
// MUTATIONS (coordinator only)
// =============================================================================

// Append adds a message to the tail. The message must carry an ID (all
// model constructors assign one); the ID becomes visible to readers only
// together with the message itself, never before.
func (s *Store) Append(msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg)
}

func (s *Store) appendLocked(msg *model.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	s.usedIDs[msg.ID] = struct{}{}
	if msg.IsStreaming {
		s.activeID = msg.ID
	}
	s.conv.Messages = append(s.conv.Messages, msg)
	s.conv.UpdatedAt = time.Now()
	s.conv.UpdateTitle()
	s.pruneLocked()
}

// ReplaceTail truncates everything from index onward, then appends the
// replacement message, all in one critical section. Atomic with respect to
// readers: no snapshot observes the truncated-but-not-yet-replaced state.
// A streaming replacement becomes the new in-flight target.
func (s *Store) ReplaceTail(index int, msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 {
		index = 0
	}
	if index < len(s.conv.Messages) {
		s.truncateFromLocked(index)
	}
	s.appendLocked(msg)
}

// TruncateFrom removes every message at or after the given index.
func (s *Store) TruncateFrom(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.conv.Messages) {
		return
	}
	s.truncateFromLocked(index)
	s.conv.UpdatedAt = time.Now()
}

// TruncateAfter removes every message after the one with the given ID.
// The identified message itself is kept. Returns ErrMessageNotFound if the
// ID is not present.
func (s *Store) TruncateAfter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(id)
	if idx < 0 {
		return ErrMessageNotFound
	}
	if idx+1 < len(s.conv.Messages) {
		s.truncateFromLocked(idx + 1)
	}
	s.conv.UpdatedAt = time.Now()
	return nil
}

// Remove deletes the message with the given ID. Its ID stays burned: a
// later message can never be created with it.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(id)
	if idx < 0 {
		return ErrMessageNotFound
	}
	if s.conv.Messages[idx].ID == s.activeID {
		s.activeID = ""
	}
	s.conv.Messages = append(s.conv.Messages[:idx], s.conv.Messages[idx+1:]...)
	s.conv.UpdatedAt = time.Now()
	return nil
}

// truncateFromLocked drops messages[index:]. Dropped IDs remain in usedIDs.
func (s *Store) truncateFromLocked(index int) {
	for _, msg := range s.conv.Messages[index:] {
		if msg.ID == s.activeID {
			s.activeID = ""
		}
	}
	s.conv.Messages = s.conv.Messages[:index]
}

func (s *Store) indexOfLocked(id string) int {
	for i, msg := range s.conv.Messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// pruneLocked enforces the history cap, keeping system messages.
func (s *Store) pruneLocked() {
	if len(s.conv.Messages) <= s.maxHistory {
		return
	}

	var system []*model.Message
	var rest []*model.Message
	for _, msg := range s.conv.Messages {
		if msg.Role == model.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	if len(rest) > s.maxHistory {
		rest = rest[len(rest)-s.maxHistory:]
	}

	s.conv.Messages = make([]*model.Message, 0, len(system)+len(rest))
	s.conv.Messages = append(s.conv.Messages, system...)
	s.conv.Messages = append(s.conv.Messages, rest...)
}

// =============================================================================
// STREAMING TARGET
// =============================================================================

// BeginStreaming appends a streaming assistant placeholder and marks it as
// the single in-flight message. The previous unfinalized tail, if any, is
// dropped first (a failed partial is shown until the next turn begins, but
// never persisted).
func (s *Store) BeginStreaming() *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropUnfinalizedLocked()

	msg := model.NewAssistantMessage()
	s.appendLocked(msg)
	return msg.Clone()
}

// AppendToActive appends streamed text to the in-flight message.
func (s *Store) AppendToActive(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.activeLocked()
	if msg == nil {
		return ErrNoActiveStream
	}
	msg.AppendToken(text)
	return nil
}

// FinalizeActive freezes the in-flight message with the given response time
// and returns an immutable copy. After this the message can never change.
func (s *Store) FinalizeActive(responseTime time.Duration) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.activeLocked()
	if msg == nil {
		return nil, ErrNoActiveStream
	}

	msg.FinalizeStream(responseTime)
	s.activeID = ""
	s.conv.UpdatedAt = time.Now()
	return msg.Clone(), nil
}

// AbandonActive releases the in-flight marker without finalizing. The
// partial content stays visible but is dropped before the next turn.
func (s *Store) AbandonActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = ""
}

// DropUnfinalized removes any messages still in streaming state. Called
// before a new turn begins so failed partials never become history.
func (s *Store) DropUnfinalized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropUnfinalizedLocked()
}

func (s *Store) dropUnfinalizedLocked() {
	kept := s.conv.Messages[:0]
	for _, msg := range s.conv.Messages {
		if msg.IsStreaming {
			if msg.ID == s.activeID {
				s.activeID = ""
			}
			continue
		}
		kept = append(kept, msg)
	}
	s.conv.Messages = kept
}

func (s *Store) activeLocked() *model.Message {
	if s.activeID == "" {
		return nil
	}
	for i := len(s.conv.Messages) - 1; i >= 0; i-- {
		if s.conv.Messages[i].ID == s.activeID {
			return s.conv.Messages[i]
		}
	}
	return nil
}

// =============================================================================
// READERS
// =============================================================================

// Snapshot returns an immutable deep copy of the conversation, safe to hand
// to background readers without locking them to the live store. Every
// snapshot is prefix-consistent: it never contains a torn mid-append state.
func (s *Store) Snapshot() *model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.Clone()
}

// MessageCount returns the number of messages.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conv.Messages)
}

// IndexOf returns the position of the message with the given ID, or -1.
func (s *Store) IndexOf(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOfLocked(id)
}

// LastAssistantIndex returns the index of the most recent assistant
// message, or -1 if there is none.
func (s *Store) LastAssistantIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.conv.Messages) - 1; i >= 0; i-- {
		if s.conv.Messages[i].Role == model.RoleAssistant {
			return i
		}
	}
	return -1
}

// HasMessage reports whether the given ID has ever been used in this store,
// including messages removed by truncation.
func (s *Store) HasMessage(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.usedIDs[id]
	return ok
}
