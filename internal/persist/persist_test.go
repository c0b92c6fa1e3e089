// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morganforge/kestrel/internal/model"
)

func testConversation(contents ...string) *model.Conversation {
	conv := model.NewConversation()
	for i, text := range contents {
		if i%2 == 0 {
			conv.Messages = append(conv.Messages, model.NewUserMessage(text))
		} else {
			conv.Messages = append(conv.Messages, model.NewAssistantMessageWithContent(text))
		}
	}
	return conv
}

func TestCoordinator_SaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.json")
	conv := testConversation("question", "answer")

	c := NewCoordinator(path, time.Hour, conv.Clone, nil)
	if err := c.SaveNow(); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != conv.ID {
		t.Errorf("conversation ID = %q, want %q", loaded.ID, conv.ID)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("loaded %d messages, want 2", len(loaded.Messages))
	}
	for i, msg := range loaded.Messages {
		if msg.ID != conv.Messages[i].ID {
			t.Errorf("message %d ID mismatch", i)
		}
		if msg.Content != conv.Messages[i].Content {
			t.Errorf("message %d content = %q", i, msg.Content)
		}
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	conv, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if conv != nil {
		t.Fatalf("expected nil conversation, got %+v", conv)
	}
}

func TestLoad_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for corrupt mirror")
	}
}

// A burst of schedule calls within the debounce window must collapse into
// a single write.
func TestCoordinator_DebounceCoalescesBurst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.json")
	conv := testConversation("m")

	var snapshots atomic.Int64
	snapshot := func() *model.Conversation {
		snapshots.Add(1)
		return conv.Clone()
	}

	c := NewCoordinator(path, 50*time.Millisecond, snapshot, nil)
	defer c.Close()

	for i := 0; i < 50; i++ {
		c.ScheduleSave()
	}

	time.Sleep(150 * time.Millisecond)

	if got := snapshots.Load(); got != 1 {
		t.Errorf("burst of 50 schedules produced %d writes, want 1", got)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("mirror not written: %v", err)
	}
}

// Each call inside the window pushes the write out; the eventual write
// carries the state at fire time, not at first schedule.
func TestCoordinator_TrailingEdgeCarriesNewestState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.json")

	var mu sync.Mutex
	conv := testConversation("first")

	snapshot := func() *model.Conversation {
		mu.Lock()
		defer mu.Unlock()
		return conv.Clone()
	}

	c := NewCoordinator(path, 40*time.Millisecond, snapshot, nil)
	defer c.Close()

	c.ScheduleSave()

	mu.Lock()
	conv.Messages = append(conv.Messages, model.NewAssistantMessageWithContent("second"))
	mu.Unlock()
	c.ScheduleSave()

	time.Sleep(120 * time.Millisecond)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("mirror has %d messages, want the newest state with 2", len(loaded.Messages))
	}
}

// SaveNow and a debounce-fired save must never write concurrently: two
// in-flight writers to the mirror path could let a staler snapshot win the
// rename race.
func TestCoordinator_SaveNowSerializesWithDebouncedSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.json")
	conv := testConversation("question", "answer")

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	snapshot := func() *model.Conversation {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return conv.Clone()
	}

	c := NewCoordinator(path, 5*time.Millisecond, snapshot, nil)
	defer c.Close()

	c.ScheduleSave()
	// Let the debounce fire and its save get in flight.
	time.Sleep(10 * time.Millisecond)

	if err := c.SaveNow(); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}

	if overlapped.Load() {
		t.Error("SaveNow ran concurrently with the debounced save")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Errorf("loaded %d messages, want 2", len(loaded.Messages))
	}
}

func TestCoordinator_SkipsUnfinalizedMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.json")

	conv := testConversation("question")
	streaming := model.NewAssistantMessage()
	streaming.AppendToken("partial")
	conv.Messages = append(conv.Messages, streaming)

	c := NewCoordinator(path, time.Hour, conv.Clone, nil)
	if err := c.SaveNow(); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Messages) != 1 {
		t.Fatalf("mirror has %d messages, want 1 (partial excluded)", len(loaded.Messages))
	}
	if loaded.Messages[0].Content != "question" {
		t.Errorf("kept message = %q", loaded.Messages[0].Content)
	}
}

func TestCoordinator_SaveErrorIsReported(t *testing.T) {
	// Point the mirror into a directory that does not exist.
	path := filepath.Join(t.TempDir(), "missing", "conversation.json")
	conv := testConversation("m")

	errs := make(chan error, 1)
	c := NewCoordinator(path, 20*time.Millisecond, conv.Clone, func(err error) { errs <- err })
	defer c.Close()

	c.ScheduleSave()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("nil error reported")
		}
	case <-time.After(time.Second):
		t.Fatal("save error never reported")
	}
}

func TestWatcher_DetectsExternalChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversation.json")
	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(path, nil, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"version":1}`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("external change not detected")
	}
}

func TestWatcher_IgnoresOwnWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversation.json")
	conv := testConversation("m")

	c := NewCoordinator(path, time.Hour, conv.Clone, nil)

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(path, c.LastSaveTime, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	if err := c.SaveNow(); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}

	select {
	case <-changed:
		t.Fatal("own save reported as external change")
	case <-time.After(time.Second):
	}
}
