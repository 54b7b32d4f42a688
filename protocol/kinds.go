// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON wire vocabulary shared by the hub,
// devices, and TPA servers:
//
//   - kinds.go: event-kind identifiers used by subscriptions and the
//     broadcast router, including language-parameterized forms
//   - messages.go: message envelopes for the device and TPA sockets
//   - layouts.go: display layout payloads rendered on the device
//   - webhook.go: HTTP webhook request/response bodies sent to TPA
//     servers for session start, stop, and recovery
//
// Every socket message carries at minimum type, sessionId (once one is
// assigned), and an RFC 3339 timestamp.
package protocol

import (
	"fmt"
	"strings"
)

// Kind identifies one event stream a TPA can subscribe to. Kinds are
// plain strings on the wire. Two kinds are parameterized with a
// language suffix after a colon: "transcription:en" and
// "translation:es-to-en". The bare form ("transcription") subscribes
// to every language.
type Kind string

// Unparameterized event kinds.
const (
	KindButtonPress       Kind = "button_press"
	KindHeadPosition      Kind = "head_position"
	KindPhoneNotification Kind = "phone_notification"
	KindLocationUpdate    Kind = "location_update"
	KindCalendarEvent     Kind = "calendar_event"
	KindBatteryUpdate     Kind = "glasses_battery_update"
	KindConnectionState   Kind = "glasses_connection_state"
	KindTranscription     Kind = "transcription"
	KindTranslation       Kind = "translation"

	// KindWildcard matches every event regardless of kind.
	KindWildcard Kind = "all"
)

// knownBases is the set of valid base kinds, used by Validate.
var knownBases = map[Kind]bool{
	KindButtonPress:       true,
	KindHeadPosition:      true,
	KindPhoneNotification: true,
	KindLocationUpdate:    true,
	KindCalendarEvent:     true,
	KindBatteryUpdate:     true,
	KindConnectionState:   true,
	KindTranscription:     true,
	KindTranslation:       true,
	KindWildcard:          true,
}

// TranscriptionKind returns the transcription kind for one language,
// e.g. TranscriptionKind("en") == "transcription:en".
func TranscriptionKind(language string) Kind {
	return Kind(fmt.Sprintf("%s:%s", KindTranscription, language))
}

// TranslationKind returns the translation kind for a language pair,
// e.g. TranslationKind("es", "en") == "translation:es-to-en".
func TranslationKind(source, target string) Kind {
	return Kind(fmt.Sprintf("%s:%s-to-%s", KindTranslation, source, target))
}

// Base strips any language parameter: "transcription:en" → "transcription".
func (k Kind) Base() Kind {
	if base, _, found := strings.Cut(string(k), ":"); found {
		return Kind(base)
	}
	return k
}

// IsWildcard reports whether the kind matches every event.
func (k Kind) IsWildcard() bool { return k == KindWildcard }

// Validate rejects kinds whose base is not part of the protocol.
// Only transcription and translation accept a language parameter.
func (k Kind) Validate() error {
	base := k.Base()
	if !knownBases[base] {
		return fmt.Errorf("protocol: unknown event kind %q", k)
	}
	if base != k && base != KindTranscription && base != KindTranslation {
		return fmt.Errorf("protocol: kind %q does not take a parameter", k)
	}
	return nil
}

// Matches reports whether a subscription to kind k delivers an event
// published under eventKind. Exact match, wildcard, or a bare
// parameterized kind matching any of its language forms.
func (k Kind) Matches(eventKind Kind) bool {
	if k.IsWildcard() || k == eventKind {
		return true
	}
	// A bare "transcription" subscription receives "transcription:en".
	return k == eventKind.Base() && k != eventKind
}
