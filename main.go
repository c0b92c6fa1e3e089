// kestrel - streaming chat session engine with a terminal REPL.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/morganforge/kestrel/internal/api"
	"github.com/morganforge/kestrel/internal/chat"
	"github.com/morganforge/kestrel/internal/cli"
	"github.com/morganforge/kestrel/internal/config"
	"github.com/morganforge/kestrel/internal/model"
	"github.com/morganforge/kestrel/internal/persist"
	"github.com/morganforge/kestrel/internal/syncdb"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to config file (default ~/.kestrel/config.toml)")
		baseURL     = flag.String("base-url", "", "chat endpoint base URL (overrides config)")
		modelName   = flag.String("model", "", "model identifier (overrides config)")
		system      = flag.String("system", "", "system prompt (overrides config)")
		noPersist   = flag.Bool("no-persist", false, "disable the conversation mirror")
		noSync      = flag.Bool("no-sync", false, "disable history sync")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("kestrel %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *baseURL != "" {
		cfg.API.BaseURL = *baseURL
	}
	if *modelName != "" {
		cfg.API.Model = *modelName
	}
	if *system != "" {
		cfg.Chat.SystemPrompt = *system
	}
	if *noPersist {
		cfg.Persist.Enabled = false
	}
	if *noSync {
		cfg.Sync.Enabled = false
	}

	if err := setupLogging(); err != nil {
		return err
	}
	log.Printf("STARTUP | version=%s model=%s", Version, cfg.API.Model)

	client := api.NewClient(&api.ClientConfig{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.APIKey,
		Model:             cfg.API.Model,
		Timeout:           cfg.API.Timeout(),
		StallTimeout:      cfg.API.StallTimeout(),
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	})

	// Restore the conversation from the mirror, if there is one.
	store, mirrorPath, err := restoreStore(cfg)
	if err != nil {
		return err
	}

	var saver chat.Saver
	var mirror *persist.Coordinator
	if cfg.Persist.Enabled {
		mirror = persist.NewCoordinator(mirrorPath, cfg.Persist.Debounce(), store.Snapshot, func(err error) {
			log.Printf("MIRROR_SAVE_FAILED | error=%v", err)
		})
		saver = mirror
	}

	// The sync coordinator needs the engine for downloads and the engine
	// needs the coordinator for scheduling; the closure breaks the cycle.
	var engine *chat.Engine

	syncer, history := setupSync(cfg, store.Snapshot, func(records []model.SyncRecord) {
		if engine != nil {
			engine.ApplyDownloaded(records)
		}
	})
	if history != nil {
		defer history.Close()
	}

	opts := chat.Options{
		FlushInterval: cfg.Chat.FlushInterval(),
		MaxHistory:    cfg.Chat.MaxHistory,
		SystemPrompt:  cfg.Chat.SystemPrompt,
		Streaming:     cfg.Chat.Streaming,
		SyncUpload:    cfg.Sync.Enabled && cfg.Sync.Upload,
		SyncDownload:  cfg.Sync.Enabled && cfg.Sync.Download,
	}
	engine = chat.NewEngineWithStore(client, store, opts, saver, syncer)
	defer engine.Close()

	// Pull history written by other devices before the first prompt.
	if cfg.Sync.Enabled && cfg.Sync.Download {
		engine.SyncNow(false, true)
	}

	// Watch the mirror for external changes (another device's sync tool
	// rewriting it); schedule a download when one lands.
	if cfg.Persist.Enabled && cfg.Persist.Watch {
		lastSave := mirror.LastSaveTime
		watcher, err := persist.NewWatcher(mirrorPath, lastSave, func() {
			engine.ScheduleSync(false, true)
		})
		if err != nil {
			log.Printf("MIRROR_WATCH_FAILED | error=%v", err)
		} else {
			defer watcher.Close()
		}
	}

	// Periodic sync passes, when configured.
	if cfg.Sync.Enabled && cfg.Sync.IntervalSecs > 0 {
		ticker := time.NewTicker(cfg.Sync.Interval())
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				engine.ScheduleSync(cfg.Sync.Upload, cfg.Sync.Download)
			}
		}()
	}

	session := cli.NewSession(cfg, engine, saver)
	return session.Run()
}

// setupSync opens the history store and builds the sync coordinator.
// An unopenable store is a configuration error, not a chat-blocking one:
// it is reported once and sync is disabled for the session.
func setupSync(cfg *config.Config, snapshot syncdb.SnapshotFunc, apply syncdb.ApplyFunc) (chat.Syncer, *syncdb.SQLiteStore) {
	if !cfg.Sync.Enabled {
		return nil, nil
	}

	dbPath, err := cfg.HistoryDBPath()
	if err == nil {
		var history *syncdb.SQLiteStore
		history, err = syncdb.OpenSQLiteStore(dbPath)
		if err == nil {
			syncer := syncdb.NewCoordinator(history, snapshot, apply,
				func(err error) {
					log.Printf("SYNC_FAILED | error=%v", err)
				},
				cfg.Sync.MaxScan,
			)
			return syncer, history
		}
	}

	log.Printf("SYNC_DISABLED | error=%v", err)
	fmt.Fprintf(os.Stderr, "warning: history sync disabled: %v\n", err)
	cfg.Sync.Enabled = false
	return nil, nil
}

// loadConfig loads from an explicit path or the default locations.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// restoreStore loads the mirror and builds the conversation store.
func restoreStore(cfg *config.Config) (*chat.Store, string, error) {
	mirrorPath, err := cfg.MirrorPath()
	if err != nil {
		return nil, "", err
	}

	if !cfg.Persist.Enabled {
		return chat.NewStore(cfg.Chat.MaxHistory), mirrorPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(mirrorPath), 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create data directory: %w", err)
	}

	conv, err := persist.Load(mirrorPath)
	if err != nil {
		// A corrupt mirror must not block startup; the next save rewrites it.
		log.Printf("MIRROR_LOAD_FAILED | error=%v", err)
		fmt.Fprintf(os.Stderr, "warning: could not restore conversation: %v\n", err)
		conv = nil
	}

	return chat.NewStoreWithConversation(conv, cfg.Chat.MaxHistory), mirrorPath, nil
}

// setupLogging routes the event log to a file so it never interleaves with
// the REPL.
func setupLogging() error {
	dir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, "kestrel.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return nil
}
