// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// =============================================================================
// SYNC RECORD
// =============================================================================

// SyncRecord is the projection of a Message replicated to the secondary
// history store. Records are keyed by the message ID and written with upsert
// semantics: the same message may be synced multiple times (once when the
// stream finalizes, again on a periodic resync) without duplicating rows.
type SyncRecord struct {
	ID           string
	Sender       string
	Message      string
	Timestamp    time.Time
	CreatedAt    time.Time
	ResponseTime time.Duration
	SessionID    string
}

// RecordFromMessage builds the sync projection of a message within the
// given conversation.
func RecordFromMessage(msg *Message, sessionID string) SyncRecord {
	return SyncRecord{
		ID:           msg.ID,
		Sender:       msg.Role.String(),
		Message:      msg.Content,
		Timestamp:    msg.CreatedAt,
		CreatedAt:    msg.CreatedAt,
		ResponseTime: msg.ResponseTime,
		SessionID:    sessionID,
	}
}
