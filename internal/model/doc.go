// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types used throughout the engine
// for representing chat conversations, messages, and sync records.
//
// # Key Types
//
//   - Conversation: Container for a chat session with messages and metadata
//   - Message: Single message with role, content, timestamp, and response time
//   - SyncRecord: Projection of a Message replicated to the history store
//   - Role: Message role enumeration (user, assistant, system)
//
// # Usage
//
// Create a message:
//
//	msg := model.NewUserMessage("Hello!")
//
// A streaming assistant message accumulates content until finalized:
//
//	msg := model.NewAssistantMessage()
//	msg.AppendToken("Hel")
//	msg.AppendToken("lo")
//	msg.FinalizeStream(elapsed)
package model
