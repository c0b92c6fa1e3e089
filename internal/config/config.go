// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// kestrel.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.kestrel/config.toml
//   - ~/.kestrel/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/morganforge/kestrel/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete kestrel configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// API endpoint configuration
	API APIConfig `toml:"api" json:"api"`

	// Chat engine configuration
	Chat ChatConfig `toml:"chat" json:"chat"`

	// Local conversation mirror configuration
	Persist PersistConfig `toml:"persist" json:"persist"`

	// Secondary history store configuration
	Sync SyncConfig `toml:"sync" json:"sync"`
}

// APIConfig contains the chat endpoint configuration.
type APIConfig struct {
	// BaseURL of the OpenAI-compatible endpoint
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey sent as a bearer token. May be empty for local endpoints.
	APIKey string `toml:"api_key" json:"api_key"`
	// Model identifier sent with each request
	Model string `toml:"model" json:"model"`
	// TimeoutSecs is the non-streaming request timeout (default: 30)
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// StallTimeoutSecs aborts a streaming request when no byte arrives for
	// this long (default: 45)
	StallTimeoutSecs int `toml:"stall_timeout_secs" json:"stall_timeout_secs"`
	// RequestsPerMinute caps request starts (default: 60)
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute"`
}

// ChatConfig contains engine tuning.
type ChatConfig struct {
	// FlushIntervalMs is the partial-update coalescing cadence (default: 100)
	FlushIntervalMs int `toml:"flush_interval_ms" json:"flush_interval_ms"`
	// MaxHistory caps in-memory conversation length (default: 1000)
	MaxHistory int `toml:"max_history" json:"max_history"`
	// SystemPrompt is prepended to every request when set
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
	// Streaming selects the streaming request path (default: true)
	Streaming bool `toml:"streaming" json:"streaming"`
}

// PersistConfig contains the on-disk mirror settings.
type PersistConfig struct {
	// Enabled controls whether the conversation mirror is written
	Enabled bool `toml:"enabled" json:"enabled"`
	// Path of the mirror file (empty = ~/.kestrel/conversation.json)
	Path string `toml:"path" json:"path"`
	// DebounceSecs is the trailing-edge save debounce window (default: 5)
	DebounceSecs int `toml:"debounce_secs" json:"debounce_secs"`
	// Watch enables watching the mirror for external changes
	Watch bool `toml:"watch" json:"watch"`
}

// SyncConfig contains the secondary history store settings.
type SyncConfig struct {
	// Enabled controls whether history replication runs
	Enabled bool `toml:"enabled" json:"enabled"`
	// DatabasePath of the SQLite history file (empty = ~/.kestrel/history.db)
	DatabasePath string `toml:"database_path" json:"database_path"`
	// Upload replicates local finalized messages to the store
	Upload bool `toml:"upload" json:"upload"`
	// Download pulls records written by other devices
	Download bool `toml:"download" json:"download"`
	// IntervalSecs between periodic sync passes (0 = only after turns)
	IntervalSecs int `toml:"interval_secs" json:"interval_secs"`
	// MaxScan caps how many messages one pass considers (default: 500)
	MaxScan int `toml:"max_scan" json:"max_scan"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		API: APIConfig{
			BaseURL:           "https://api.openai.com/v1",
			TimeoutSecs:       30,
			StallTimeoutSecs:  45,
			RequestsPerMinute: 60,
		},
		Chat: ChatConfig{
			FlushIntervalMs: 100,
			MaxHistory:      1000,
			Streaming:       true,
		},
		Persist: PersistConfig{
			Enabled:      true,
			DebounceSecs: 5,
			Watch:        true,
		},
		Sync: SyncConfig{
			Enabled: false,
			Upload:  true,
			MaxScan: 500,
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the kestrel configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".kestrel"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// MirrorPath resolves the conversation mirror location.
func (c *Config) MirrorPath() (string, error) {
	if c.Persist.Path != "" {
		return c.Persist.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "conversation.json"), nil
}

// HistoryDBPath resolves the history database location.
func (c *Config) HistoryDBPath() (string, error) {
	if c.Sync.DatabasePath != "" {
		return c.Sync.DatabasePath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	if strings.HasSuffix(path, ".json") {
		if err := loadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := loadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// loadJSON loads configuration from a JSON file.
// SECURITY: Checks and fixes file permissions on load.
func loadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = defaults.API.BaseURL
	}
	if cfg.API.TimeoutSecs == 0 {
		cfg.API.TimeoutSecs = defaults.API.TimeoutSecs
	}
	if cfg.API.StallTimeoutSecs == 0 {
		cfg.API.StallTimeoutSecs = defaults.API.StallTimeoutSecs
	}
	if cfg.API.RequestsPerMinute == 0 {
		cfg.API.RequestsPerMinute = defaults.API.RequestsPerMinute
	}

	if cfg.Chat.FlushIntervalMs == 0 {
		cfg.Chat.FlushIntervalMs = defaults.Chat.FlushIntervalMs
	}
	if cfg.Chat.MaxHistory == 0 {
		cfg.Chat.MaxHistory = defaults.Chat.MaxHistory
	}

	if cfg.Persist.DebounceSecs == 0 {
		cfg.Persist.DebounceSecs = defaults.Persist.DebounceSecs
	}

	if cfg.Sync.MaxScan == 0 {
		cfg.Sync.MaxScan = defaults.Sync.MaxScan
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies KESTREL_* environment variables over the loaded
// configuration. Environment always wins over file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KESTREL_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("KESTREL_API_KEY"); v != "" {
		c.API.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.API.APIKey == "" {
		c.API.APIKey = v
	}
	if v := os.Getenv("KESTREL_MODEL"); v != "" {
		c.API.Model = v
	}
	if v := os.Getenv("KESTREL_SYSTEM_PROMPT"); v != "" {
		c.Chat.SystemPrompt = v
	}
	if v := os.Getenv("KESTREL_SYNC_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sync.Enabled = b
		}
	}
	if v := os.Getenv("KESTREL_SYNC_DB"); v != "" {
		c.Sync.DatabasePath = v
	}
	if v := os.Getenv("KESTREL_MIRROR_PATH"); v != "" {
		c.Persist.Path = v
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# kestrel configuration file")
	fmt.Fprintln(file, "# Generated by kestrel - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func SaveJSON(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "api.base_url",
				Message: fmt.Sprintf("must be a valid http(s) URL, got %q", c.API.BaseURL),
			})
		}
	}
	if c.API.TimeoutSecs < 0 || c.API.TimeoutSecs > 600 {
		errs = append(errs, ValidationError{
			Field:   "api.timeout_secs",
			Message: fmt.Sprintf("must be between 0 and 600, got %d", c.API.TimeoutSecs),
		})
	}
	if c.API.StallTimeoutSecs < 0 || c.API.StallTimeoutSecs > 600 {
		errs = append(errs, ValidationError{
			Field:   "api.stall_timeout_secs",
			Message: fmt.Sprintf("must be between 0 and 600, got %d", c.API.StallTimeoutSecs),
		})
	}
	if c.API.RequestsPerMinute < 0 || c.API.RequestsPerMinute > 6000 {
		errs = append(errs, ValidationError{
			Field:   "api.requests_per_minute",
			Message: fmt.Sprintf("must be between 0 and 6000, got %d", c.API.RequestsPerMinute),
		})
	}

	if c.Chat.FlushIntervalMs < 0 || c.Chat.FlushIntervalMs > 5000 {
		errs = append(errs, ValidationError{
			Field:   "chat.flush_interval_ms",
			Message: fmt.Sprintf("must be between 0 and 5000, got %d", c.Chat.FlushIntervalMs),
		})
	}
	if c.Chat.MaxHistory < 0 || c.Chat.MaxHistory > 100000 {
		errs = append(errs, ValidationError{
			Field:   "chat.max_history",
			Message: fmt.Sprintf("must be between 0 and 100000, got %d", c.Chat.MaxHistory),
		})
	}

	if c.Persist.DebounceSecs < 0 || c.Persist.DebounceSecs > 300 {
		errs = append(errs, ValidationError{
			Field:   "persist.debounce_secs",
			Message: fmt.Sprintf("must be between 0 and 300, got %d", c.Persist.DebounceSecs),
		})
	}

	if c.Sync.MaxScan < 0 || c.Sync.MaxScan > 100000 {
		errs = append(errs, ValidationError{
			Field:   "sync.max_scan",
			Message: fmt.Sprintf("must be between 0 and 100000, got %d", c.Sync.MaxScan),
		})
	}
	if c.Sync.IntervalSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "sync.interval_secs",
			Message: fmt.Sprintf("must not be negative, got %d", c.Sync.IntervalSecs),
		})
	}
	if c.Sync.Enabled && !c.Sync.Upload && !c.Sync.Download {
		errs = append(errs, ValidationError{
			Field:   "sync",
			Message: "enabled but neither upload nor download is set",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DERIVED DURATIONS
// =============================================================================

// Timeout returns the non-streaming request timeout.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSecs) * time.Second
}

// StallTimeout returns the streaming stall window.
func (a APIConfig) StallTimeout() time.Duration {
	return time.Duration(a.StallTimeoutSecs) * time.Second
}

// FlushInterval returns the partial-update coalescing cadence.
func (c ChatConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// Debounce returns the trailing-edge save debounce window.
func (p PersistConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceSecs) * time.Second
}

// Interval returns the periodic sync cadence, or zero when disabled.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}
