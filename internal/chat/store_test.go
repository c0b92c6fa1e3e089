// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/morganforge/kestrel/internal/model"
)

func TestStore_AppendPreservesOrder(t *testing.T) {
	s := NewStore(0)

	for i := 0; i < 10; i++ {
		s.Append(model.NewUserMessage(fmt.Sprintf("message %d", i)))
	}

	snap := s.Snapshot()
	if len(snap.Messages) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(snap.Messages))
	}
	for i, msg := range snap.Messages {
		want := fmt.Sprintf("message %d", i)
		if msg.Content != want {
			t.Errorf("message %d: got %q, want %q", i, msg.Content, want)
		}
	}
}

func TestStore_SnapshotIsDetached(t *testing.T) {
	s := NewStore(0)
	s.Append(model.NewUserMessage("original"))

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"

	if got := s.Snapshot().Messages[0].Content; got != "original" {
		t.Errorf("live store affected by snapshot mutation: %q", got)
	}
}

// Snapshots taken while a writer appends must always observe a prefix of
// the final sequence, never a torn or reordered state.
func TestStore_ConcurrentSnapshotsArePrefixConsistent(t *testing.T) {
	s := NewStore(0)
	const total = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			s.Append(model.NewUserMessage(fmt.Sprintf("m%d", i)))
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				snap := s.Snapshot()
				for i, msg := range snap.Messages {
					if want := fmt.Sprintf("m%d", i); msg.Content != want {
						t.Errorf("snapshot not a prefix: index %d has %q", i, msg.Content)
						return
					}
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}()
	}

	wg.Wait()

	if got := s.MessageCount(); got != total {
		t.Fatalf("expected %d messages, got %d", total, got)
	}
}

func TestStore_ReplaceTailIsAtomic(t *testing.T) {
	s := NewStore(0)
	s.Append(model.NewUserMessage("keep"))
	s.Append(model.NewAssistantMessageWithContent("old answer"))
	s.Append(model.NewUserMessage("also old"))

	s.ReplaceTail(1, model.NewAssistantMessageWithContent("new answer"))

	snap := s.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
	}
	if snap.Messages[0].Content != "keep" {
		t.Errorf("head changed: %q", snap.Messages[0].Content)
	}
	if snap.Messages[1].Content != "new answer" {
		t.Errorf("tail not replaced: %q", snap.Messages[1].Content)
	}
}

// A streaming replacement installed via ReplaceTail becomes the in-flight
// target in the same critical section, so regeneration never leaves a
// window where the tail is truncated with nothing in its place.
func TestStore_ReplaceTailInstallsStreamingTarget(t *testing.T) {
	s := NewStore(0)
	s.Append(model.NewUserMessage("question"))
	old := model.NewAssistantMessageWithContent("old answer")
	s.Append(old)

	s.ReplaceTail(1, model.NewAssistantMessage())

	snap := s.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
	}
	if !snap.Messages[1].IsStreaming {
		t.Fatal("replacement placeholder not marked streaming")
	}

	if err := s.AppendToActive("new answer"); err != nil {
		t.Fatalf("placeholder is not the active target: %v", err)
	}
	msg, err := s.FinalizeActive(time.Millisecond)
	if err != nil {
		t.Fatalf("FinalizeActive: %v", err)
	}
	if msg.Content != "new answer" {
		t.Errorf("finalized content = %q", msg.Content)
	}
	if !s.HasMessage(old.ID) {
		t.Error("replaced ID should remain burned")
	}
}

func TestStore_TruncateAfterKeepsTarget(t *testing.T) {
	s := NewStore(0)
	first := model.NewUserMessage("first")
	s.Append(first)
	s.Append(model.NewAssistantMessageWithContent("second"))
	s.Append(model.NewUserMessage("third"))

	if err := s.TruncateAfter(first.ID); err != nil {
		t.Fatalf("TruncateAfter failed: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].ID != first.ID {
		t.Fatalf("expected only the target message to remain, got %d messages", len(snap.Messages))
	}

	if err := s.TruncateAfter("no-such-id"); err != ErrMessageNotFound {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

// IDs removed by truncation stay burned so a later message can never be
// confused with a deleted one.
func TestStore_TruncatedIDsAreNeverReused(t *testing.T) {
	s := NewStore(0)
	s.Append(model.NewUserMessage("kept"))
	doomed := model.NewAssistantMessageWithContent("doomed")
	s.Append(doomed)

	s.TruncateFrom(1)

	if s.IndexOf(doomed.ID) != -1 {
		t.Fatal("truncated message still present")
	}
	if !s.HasMessage(doomed.ID) {
		t.Error("truncated ID should remain known to the store")
	}

	s.Append(model.NewUserMessage("new tail"))
	snap := s.Snapshot()
	for _, msg := range snap.Messages[1:] {
		if msg.ID == doomed.ID {
			t.Error("truncated ID was reused for a new message")
		}
	}
}

func TestStore_StreamingLifecycle(t *testing.T) {
	s := NewStore(0)
	s.Append(model.NewUserMessage("question"))

	placeholder := s.BeginStreaming()
	if placeholder.ID == "" {
		t.Fatal("placeholder has no ID")
	}

	if err := s.AppendToActive("Hel"); err != nil {
		t.Fatalf("AppendToActive: %v", err)
	}
	if err := s.AppendToActive("lo"); err != nil {
		t.Fatalf("AppendToActive: %v", err)
	}

	msg, err := s.FinalizeActive(250 * time.Millisecond)
	if err != nil {
		t.Fatalf("FinalizeActive: %v", err)
	}
	if msg.Content != "Hello" {
		t.Errorf("finalized content = %q, want %q", msg.Content, "Hello")
	}
	if msg.IsStreaming {
		t.Error("finalized message still marked streaming")
	}
	if msg.ResponseTime != 250*time.Millisecond {
		t.Errorf("response time = %v", msg.ResponseTime)
	}

	if err := s.AppendToActive("more"); err != ErrNoActiveStream {
		t.Errorf("append after finalize: got %v, want ErrNoActiveStream", err)
	}
}

func TestStore_BeginStreamingDropsStalePartial(t *testing.T) {
	s := NewStore(0)
	s.Append(model.NewUserMessage("question"))

	s.BeginStreaming()
	s.AppendToActive("partial that failed")
	s.AbandonActive()

	// The failed partial stays visible until the next turn begins.
	if got := s.MessageCount(); got != 2 {
		t.Fatalf("expected partial to remain, count=%d", got)
	}

	s.BeginStreaming()
	snap := s.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("stale partial not dropped: %d messages", len(snap.Messages))
	}
	if snap.Messages[1].GetDisplayContent() != "" {
		t.Errorf("new placeholder carries stale content: %q", snap.Messages[1].GetDisplayContent())
	}
}

func TestStore_PrunePreservesSystemMessages(t *testing.T) {
	s := NewStore(5)
	s.Append(model.NewSystemMessage("system prompt"))

	for i := 0; i < 20; i++ {
		s.Append(model.NewUserMessage(fmt.Sprintf("m%d", i)))
	}

	snap := s.Snapshot()
	if snap.Messages[0].Role != model.RoleSystem {
		t.Error("system message not preserved at head")
	}
	if len(snap.Messages) != 6 {
		t.Errorf("expected 5 capped + 1 system = 6 messages, got %d", len(snap.Messages))
	}
	if got := snap.Messages[len(snap.Messages)-1].Content; got != "m19" {
		t.Errorf("newest message lost in prune: tail=%q", got)
	}
}

func TestStore_RestoredConversationRegistersIDs(t *testing.T) {
	conv := model.NewConversation()
	msg := model.NewUserMessage("restored")
	conv.Messages = append(conv.Messages, msg)

	s := NewStoreWithConversation(conv, 0)
	if !s.HasMessage(msg.ID) {
		t.Error("restored message ID not registered")
	}
}
