// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package syncdb

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/morganforge/kestrel/internal/model"
)

// DefaultMaxScan caps how many messages one sync pass considers in each
// direction.
const DefaultMaxScan = 500

// SnapshotFunc supplies the conversation to upload. Must return a detached
// copy.
type SnapshotFunc func() *model.Conversation

// ApplyFunc receives downloaded records. Implementations route them through
// the engine's append path; the coordinator never touches conversation
// state itself.
type ApplyFunc func(records []model.SyncRecord)

// =============================================================================
// SYNC COORDINATOR
// =============================================================================

// Coordinator runs sync passes against the history store.
//
// At most one pass runs at a time; requests made while a pass is running
// are rejected rather than queued, since the next scheduled pass covers the
// same state anyway. Every pass is idempotent end to end: uploads are
// upserts keyed by message ID, downloads are deduplicated by the engine.
type Coordinator struct {
	store    HistoryStore
	snapshot SnapshotFunc
	apply    ApplyFunc
	onError  func(error)
	maxScan  int

	mu      sync.Mutex
	running bool
	// cursor is the download high-water mark: the newest created_at this
	// coordinator has already fetched.
	cursor time.Time
}

// NewCoordinator creates a sync coordinator. apply and onError may be nil.
func NewCoordinator(store HistoryStore, snapshot SnapshotFunc, apply ApplyFunc, onError func(error), maxScan int) *Coordinator {
	if maxScan <= 0 {
		maxScan = DefaultMaxScan
	}
	return &Coordinator{
		store:    store,
		snapshot: snapshot,
		apply:    apply,
		onError:  onError,
		maxScan:  maxScan,
	}
}

// Schedule runs a sync pass asynchronously. If a pass is already running
// the request is dropped.
func (c *Coordinator) Schedule(upload, download bool) {
	go c.SyncNow(context.Background(), upload, download)
}

// SyncNow runs a sync pass and reports whether it actually ran. A pass
// already in progress causes an immediate false return.
func (c *Coordinator) SyncNow(ctx context.Context, upload, download bool) bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		log.Printf("SYNC_REJECTED | error=%v", ErrSyncInProgress)
		return false
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	start := time.Now()

	if upload {
		if err := c.runUpload(ctx); err != nil {
			c.reportError(err)
		}
	}
	if download {
		if err := c.runDownload(ctx); err != nil {
			c.reportError(err)
		}
	}

	log.Printf("SYNC_PASS_DONE | upload=%v download=%v duration=%dms",
		upload, download, time.Since(start).Milliseconds())
	return true
}

// runUpload replicates the conversation's finalized messages to the store.
// The whole scan window is re-uploaded each pass; upserts make the repeats
// free of side effects.
func (c *Coordinator) runUpload(ctx context.Context) error {
	conv := c.snapshot()
	if conv == nil {
		return nil
	}

	var records []model.SyncRecord
	for _, msg := range conv.Messages {
		if msg.IsStreaming || msg.Content == "" {
			continue
		}
		records = append(records, model.RecordFromMessage(msg, conv.ID))
	}
	if len(records) > c.maxScan {
		records = records[len(records)-c.maxScan:]
	}
	if len(records) == 0 {
		return nil
	}

	inserted, updated, err := c.store.UploadBatch(ctx, records)
	if err != nil {
		return err
	}

	log.Printf("SYNC_UPLOAD | records=%d inserted=%d updated=%d", len(records), inserted, updated)
	return nil
}

// runDownload fetches records newer than the cursor and hands them to the
// apply hook. The cursor only advances on success, so a failed pass is
// retried from the same point.
func (c *Coordinator) runDownload(ctx context.Context) error {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	records, err := c.store.FetchSince(ctx, cursor, c.maxScan)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	newest := cursor
	for _, rec := range records {
		if rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
		}
	}

	if c.apply != nil {
		c.apply(records)
	}

	c.mu.Lock()
	c.cursor = newest
	c.mu.Unlock()

	log.Printf("SYNC_DOWNLOAD | records=%d cursor=%s", len(records), newest.UTC().Format(time.RFC3339))
	return nil
}

func (c *Coordinator) reportError(err error) {
	log.Printf("SYNC_ERROR | error=%v", err)
	if c.onError != nil {
		c.onError(err)
	}
}
