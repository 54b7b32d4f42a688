// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "testing"

func TestKindBase(t *testing.T) {
	cases := []struct {
		kind Kind
		want Kind
	}{
		{KindButtonPress, KindButtonPress},
		{TranscriptionKind("en"), KindTranscription},
		{TranslationKind("es", "en"), KindTranslation},
		{KindWildcard, KindWildcard},
	}
	for _, c := range cases {
		if got := c.kind.Base(); got != c.want {
			t.Errorf("Base(%q): got %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestKindMatches(t *testing.T) {
	cases := []struct {
		subscription Kind
		event        Kind
		want         bool
	}{
		{KindButtonPress, KindButtonPress, true},
		{KindButtonPress, KindHeadPosition, false},
		{KindWildcard, KindButtonPress, true},
		{KindWildcard, TranscriptionKind("en"), true},
		{TranscriptionKind("en"), TranscriptionKind("en"), true},
		{TranscriptionKind("en"), TranscriptionKind("fr"), false},
		{KindTranscription, TranscriptionKind("en"), true},
		{TranscriptionKind("en"), KindTranscription, false},
		{TranslationKind("es", "en"), TranslationKind("es", "en"), true},
		{TranslationKind("es", "en"), TranslationKind("en", "es"), false},
	}
	for _, c := range cases {
		if got := c.subscription.Matches(c.event); got != c.want {
			t.Errorf("%q.Matches(%q): got %v, want %v", c.subscription, c.event, got, c.want)
		}
	}
}

func TestKindValidate(t *testing.T) {
	valid := []Kind{
		KindButtonPress,
		KindWildcard,
		TranscriptionKind("en"),
		TranslationKind("es", "en"),
	}
	for _, kind := range valid {
		if err := kind.Validate(); err != nil {
			t.Errorf("Validate(%q): unexpected error %v", kind, err)
		}
	}

	invalid := []Kind{
		"made_up_kind",
		"button_press:en",
		"",
	}
	for _, kind := range invalid {
		if err := kind.Validate(); err == nil {
			t.Errorf("Validate(%q): expected error", kind)
		}
	}
}

func TestParseEnvelope(t *testing.T) {
	envelope, err := ParseEnvelope([]byte(`{"type":"start_app","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","packageName":"com.example.captions"}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if envelope.Type != TypeStartApp {
		t.Fatalf("type: got %q", envelope.Type)
	}
	if envelope.SessionID != "s1" {
		t.Fatalf("sessionId: got %q", envelope.SessionID)
	}
	if len(envelope.Payload) == 0 {
		t.Fatal("payload not retained")
	}
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := ParseEnvelope([]byte(`{"sessionId":"s1"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}
