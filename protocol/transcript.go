// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "time"

// TranscriptSegment is one finalized piece of speech transcription.
// Interim (non-final) results flow through the router but are never
// retained; only finalized segments enter the session's transcript
// buffer.
type TranscriptSegment struct {
	Text      string    `json:"text" cbor:"1,keyasint"`
	Language  string    `json:"language,omitempty" cbor:"2,keyasint,omitempty"`
	StartedAt time.Time `json:"startedAt" cbor:"3,keyasint"`
	EndedAt   time.Time `json:"endedAt" cbor:"4,keyasint"`
}
