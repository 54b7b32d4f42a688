// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/augmentos-community/hub/protocol"
)

// DefaultTranscriptWindow bounds the transcript buffer to the most
// recent stretch of finalized speech.
const DefaultTranscriptWindow = 30 * time.Second

// transcriptBuffer holds a time-windowed sequence of finalized
// transcript segments. Not safe for concurrent use: it is owned by a
// UserSession and touched only on the session executor.
type transcriptBuffer struct {
	window   time.Duration
	segments []protocol.TranscriptSegment
}

func newTranscriptBuffer(window time.Duration) *transcriptBuffer {
	if window <= 0 {
		window = DefaultTranscriptWindow
	}
	return &transcriptBuffer{window: window}
}

// append adds a finalized segment and evicts segments that have
// fallen out of the window relative to now.
func (b *transcriptBuffer) append(segment protocol.TranscriptSegment, now time.Time) {
	b.segments = append(b.segments, segment)
	b.prune(now)
}

// prune drops segments whose end time predates the window.
func (b *transcriptBuffer) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	keep := 0
	for keep < len(b.segments) && b.segments[keep].EndedAt.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		b.segments = append(b.segments[:0], b.segments[keep:]...)
	}
}

// snapshot returns a copy of the buffered segments.
func (b *transcriptBuffer) snapshot() []protocol.TranscriptSegment {
	out := make([]protocol.TranscriptSegment, len(b.segments))
	copy(out, b.segments)
	return out
}

// adopt replaces the buffer contents, used when a transcript is
// transferred into a reconnected session.
func (b *transcriptBuffer) adopt(segments []protocol.TranscriptSegment) {
	b.segments = append(b.segments[:0], segments...)
}
