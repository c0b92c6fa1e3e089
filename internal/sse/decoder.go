// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes OpenAI-style server-sent-event token streams.
//
// The upstream chat completions endpoint delivers its streamed body as
// successive events of the form:
//
//	data: {"choices":[{"delta":{"content":"<text>"}}]}
//
// terminated by the literal sentinel:
//
//	data: [DONE]
//
// Raw chunks arrive with no alignment to event boundaries, so the decoder
// carries partial frames across Feed calls.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

// dataPrefix is the SSE event prefix used by OpenAI-compatible endpoints.
const dataPrefix = "data: "

// doneSentinel terminates the stream without emitting a delta.
const doneSentinel = "[DONE]"

// envelope is the minimal JSON shape of a streamed token delta.
type envelope struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns raw byte chunks into an ordered sequence of content deltas.
//
// A Decoder is single-use: create a fresh one per logical stream. It is not
// safe for concurrent use; the request worker that reads the response body
// is its only caller.
type Decoder struct {
	// carry holds the trailing incomplete line from the previous chunk.
	carry []byte
	done  bool
}

// NewDecoder creates a decoder for one logical stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a raw chunk and returns the content deltas completed by it,
// in emission order. Malformed frames are skipped silently: partial or
// damaged events are expected at chunk boundaries and are not errors.
// After the [DONE] sentinel has been seen, Feed returns nothing.
func (d *Decoder) Feed(chunk []byte) []string {
	if d.done || len(chunk) == 0 {
		return nil
	}

	d.carry = append(d.carry, chunk...)

	var deltas []string
	for {
		idx := bytes.IndexByte(d.carry, '\n')
		if idx < 0 {
			break
		}

		line := d.carry[:idx]
		d.carry = d.carry[idx+1:]

		delta, ok := d.decodeLine(line)
		if d.done {
			break
		}
		if ok {
			deltas = append(deltas, delta)
		}
	}

	return deltas
}

// Flush decodes any trailing unterminated line as a final event. Call it
// when the body ends cleanly without the [DONE] sentinel: a last frame the
// server did not newline-terminate would otherwise stay in the carry buffer
// and its delta would be lost.
func (d *Decoder) Flush() []string {
	if d.done || len(d.carry) == 0 {
		return nil
	}

	line := d.carry
	d.carry = nil

	delta, ok := d.decodeLine(line)
	if !ok {
		return nil
	}
	return []string{delta}
}

// Done reports whether the [DONE] sentinel has been received.
func (d *Decoder) Done() bool {
	return d.done
}

// decodeLine parses one complete event line. It returns the content delta
// and whether one was emitted.
func (d *Decoder) decodeLine(line []byte) (string, bool) {
	text := strings.TrimSpace(string(line))

	// Blank keep-alive lines and event separators carry nothing.
	if text == "" {
		return "", false
	}

	if !strings.HasPrefix(text, dataPrefix) {
		// Comments, event: headers, or garbage. Never fatal.
		return "", false
	}

	body := strings.TrimSpace(strings.TrimPrefix(text, dataPrefix))
	if body == "" {
		return "", false
	}

	if body == doneSentinel {
		d.done = true
		return "", false
	}

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		// Malformed frame: drop it, keep the stream alive.
		return "", false
	}

	if len(env.Choices) == 0 {
		return "", false
	}

	content := env.Choices[0].Delta.Content
	if content == "" {
		return "", false
	}

	return content, true
}
