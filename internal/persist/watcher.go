// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the event bursts editors and atomic renames
// produce into one notification.
const watchDebounce = 500 * time.Millisecond

// ownWriteWindow suppresses events arriving right after our own save; the
// rename in AtomicWriteFile shows up as an external change otherwise.
const ownWriteWindow = 2 * time.Second

// =============================================================================
// MIRROR WATCHER
// =============================================================================

// Watcher notifies when the conversation mirror changes on disk from
// outside this process (another device's sync, a manual edit). The watch is
// on the parent directory because atomic saves replace the file inode.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	// lastSave reports when this process last wrote the mirror; events
	// within ownWriteWindow of it are ours and ignored.
	lastSave func() time.Time

	// onChange fires once per debounced external change.
	onChange func()

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher watches the mirror at path. lastSave may be nil when no save
// coordinator exists (read-only mirrors).
func NewWatcher(path string, lastSave func() time.Time, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:     path,
		watcher:  fsw,
		lastSave: lastSave,
		onChange: onChange,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	log.Printf("MIRROR_WATCH_STARTED | path=%s", path)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.isOwnWrite() {
				continue
			}
			w.bump()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("MIRROR_WATCH_ERROR | error=%v", err)
		}
	}
}

func (w *Watcher) isOwnWrite() bool {
	if w.lastSave == nil {
		return false
	}
	return time.Since(w.lastSave()) < ownWriteWindow
}

// bump re-arms the debounce timer; the notification fires once the burst
// settles.
func (w *Watcher) bump() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Reset(watchDebounce)
		return
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		log.Printf("MIRROR_EXTERNAL_CHANGE | path=%s", w.path)
		w.onChange()
	})
}
