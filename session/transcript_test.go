// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/augmentos-community/hub/protocol"
)

func segmentAt(text string, endedAt time.Time) protocol.TranscriptSegment {
	return protocol.TranscriptSegment{
		Text:      text,
		Language:  "en",
		StartedAt: endedAt.Add(-time.Second),
		EndedAt:   endedAt,
	}
}

func TestTranscriptBufferKeepsRecentSegments(t *testing.T) {
	now := testEpoch
	buffer := newTranscriptBuffer(30 * time.Second)

	buffer.append(segmentAt("one", now), now)
	buffer.append(segmentAt("two", now.Add(5*time.Second)), now.Add(5*time.Second))

	segments := buffer.snapshot()
	if len(segments) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(segments))
	}
	if segments[0].Text != "one" || segments[1].Text != "two" {
		t.Fatalf("snapshot = %+v", segments)
	}
}

func TestTranscriptBufferEvictsOldSegments(t *testing.T) {
	now := testEpoch
	buffer := newTranscriptBuffer(30 * time.Second)

	buffer.append(segmentAt("old", now), now)
	later := now.Add(31 * time.Second)
	buffer.append(segmentAt("fresh", later), later)

	segments := buffer.snapshot()
	if len(segments) != 1 || segments[0].Text != "fresh" {
		t.Fatalf("snapshot = %+v", segments)
	}
}

func TestTranscriptBufferSnapshotIsCopy(t *testing.T) {
	now := testEpoch
	buffer := newTranscriptBuffer(30 * time.Second)
	buffer.append(segmentAt("original", now), now)

	segments := buffer.snapshot()
	segments[0].Text = "mutated"

	if buffer.snapshot()[0].Text != "original" {
		t.Fatal("snapshot aliases buffer storage")
	}
}

func TestTranscriptBufferAdoptReplacesContents(t *testing.T) {
	now := testEpoch
	buffer := newTranscriptBuffer(30 * time.Second)
	buffer.append(segmentAt("stale", now), now)

	buffer.adopt([]protocol.TranscriptSegment{
		segmentAt("transferred", now.Add(time.Second)),
	})

	segments := buffer.snapshot()
	if len(segments) != 1 || segments[0].Text != "transferred" {
		t.Fatalf("snapshot after adopt = %+v", segments)
	}
}
