// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// kestrel.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - APIConfig: Chat endpoint settings
//   - ChatConfig: Engine tuning (flush cadence, history cap)
//   - PersistConfig: On-disk conversation mirror settings
//   - SyncConfig: Secondary history store settings
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (KESTREL_*)
//   - ~/.kestrel/config.toml
//   - ~/.kestrel/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	model := cfg.API.Model
//	flush := cfg.Chat.FlushInterval()
package config
