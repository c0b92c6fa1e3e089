// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for kestrel.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file replacement (write temp, fsync, rename)
//   - TruncateRunes: rune-aware string truncation for previews
package util
