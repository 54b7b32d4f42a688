// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"fmt"
	"sync"
	"testing"

	"github.com/augmentos-community/hub/protocol"
)

func pairSet(subscribers []Subscriber) map[Subscriber]bool {
	set := make(map[Subscriber]bool, len(subscribers))
	for _, s := range subscribers {
		set[s] = true
	}
	return set
}

func TestSetSubscriptionsAndLookup(t *testing.T) {
	registry := NewRegistry()
	registry.SetSubscriptions("s1", "com.example.captions", []protocol.Kind{
		protocol.KindButtonPress,
		protocol.TranscriptionKind("en"),
	})

	got := pairSet(registry.SubscribersFor(protocol.KindButtonPress))
	want := Subscriber{SessionID: "s1", PackageName: "com.example.captions"}
	if !got[want] {
		t.Fatalf("button_press subscribers missing %v", want)
	}
	if len(registry.SubscribersFor(protocol.KindHeadPosition)) != 0 {
		t.Fatal("head_position should have no subscribers")
	}
}

func TestReplacementIsAtomic(t *testing.T) {
	registry := NewRegistry()
	registry.SetSubscriptions("s1", "com.example.app", []protocol.Kind{
		protocol.KindButtonPress,
		protocol.KindHeadPosition,
	})
	registry.SetSubscriptions("s1", "com.example.app", []protocol.Kind{
		protocol.KindLocationUpdate,
	})

	if len(registry.SubscribersFor(protocol.KindButtonPress)) != 0 {
		t.Fatal("stale button_press subscription survived replacement")
	}
	if len(registry.SubscribersFor(protocol.KindHeadPosition)) != 0 {
		t.Fatal("stale head_position subscription survived replacement")
	}
	if len(registry.SubscribersFor(protocol.KindLocationUpdate)) != 1 {
		t.Fatal("new location_update subscription missing")
	}
}

func TestWildcardMatchesEverything(t *testing.T) {
	registry := NewRegistry()
	registry.SetSubscriptions("s1", "com.example.logger", []protocol.Kind{protocol.KindWildcard})

	for _, kind := range []protocol.Kind{
		protocol.KindButtonPress,
		protocol.TranscriptionKind("fr"),
		protocol.KindBatteryUpdate,
	} {
		if len(registry.SubscribersFor(kind)) != 1 {
			t.Fatalf("wildcard subscriber missing for %q", kind)
		}
	}
}

func TestBareKindMatchesAllLanguages(t *testing.T) {
	registry := NewRegistry()
	registry.SetSubscriptions("s1", "com.example.captions", []protocol.Kind{protocol.KindTranscription})

	if len(registry.SubscribersFor(protocol.TranscriptionKind("en"))) != 1 {
		t.Fatal("bare transcription subscription should match transcription:en")
	}
	if len(registry.SubscribersFor(protocol.TranscriptionKind("ja"))) != 1 {
		t.Fatal("bare transcription subscription should match transcription:ja")
	}

	// The reverse does not hold: a language-specific subscription does
	// not receive other languages.
	registry.SetSubscriptions("s1", "com.example.captions", []protocol.Kind{protocol.TranscriptionKind("en")})
	if len(registry.SubscribersFor(protocol.TranscriptionKind("ja"))) != 0 {
		t.Fatal("transcription:en subscription must not match transcription:ja")
	}
}

func TestNoDuplicateDelivery(t *testing.T) {
	registry := NewRegistry()
	registry.SetSubscriptions("s1", "com.example.app", []protocol.Kind{
		protocol.KindWildcard,
		protocol.KindButtonPress,
	})
	if got := len(registry.SubscribersFor(protocol.KindButtonPress)); got != 1 {
		t.Fatalf("subscriber listed %d times, want once", got)
	}
}

func TestClearAll(t *testing.T) {
	registry := NewRegistry()
	registry.SetSubscriptions("s1", "com.example.app", []protocol.Kind{protocol.KindButtonPress})
	registry.ClearAll("s1", "com.example.app")

	if len(registry.SubscribersFor(protocol.KindButtonPress)) != 0 {
		t.Fatal("subscription survived ClearAll")
	}
	if registry.Subscriptions("s1", "com.example.app") != nil {
		t.Fatal("Subscriptions should be nil after ClearAll")
	}
}

func TestClearSessionLeavesOtherSessions(t *testing.T) {
	registry := NewRegistry()
	registry.SetSubscriptions("s1", "com.example.a", []protocol.Kind{protocol.KindButtonPress})
	registry.SetSubscriptions("s1", "com.example.b", []protocol.Kind{protocol.KindButtonPress})
	registry.SetSubscriptions("s2", "com.example.a", []protocol.Kind{protocol.KindButtonPress})

	registry.ClearSession("s1")

	subscribers := registry.SubscribersFor(protocol.KindButtonPress)
	if len(subscribers) != 1 || subscribers[0].SessionID != "s2" {
		t.Fatalf("got %v, want only session s2", subscribers)
	}
}

// TestSnapshotConsistencyUnderConcurrentUpdates drives concurrent
// replacements of the same pair between two disjoint kind sets and
// verifies no read ever observes a mix of the two sets.
func TestSnapshotConsistencyUnderConcurrentUpdates(t *testing.T) {
	registry := NewRegistry()
	setA := []protocol.Kind{protocol.KindButtonPress, protocol.KindHeadPosition}
	setB := []protocol.Kind{protocol.KindLocationUpdate, protocol.KindCalendarEvent}

	done := make(chan struct{})
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if i%2 == 0 {
				registry.SetSubscriptions("s1", "com.example.app", setA)
			} else {
				registry.SetSubscriptions("s1", "com.example.app", setB)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		inA := len(registry.SubscribersFor(protocol.KindButtonPress)) > 0
		inB := len(registry.SubscribersFor(protocol.KindLocationUpdate)) > 0
		// Between the two reads a whole replacement may complete, so
		// observing membership flip is fine; what must never happen
		// is the pair's own kind list mixing the sets.
		kinds := registry.Subscriptions("s1", "com.example.app")
		var hasA, hasB bool
		for _, kind := range kinds {
			if kind == protocol.KindButtonPress || kind == protocol.KindHeadPosition {
				hasA = true
			}
			if kind == protocol.KindLocationUpdate || kind == protocol.KindCalendarEvent {
				hasB = true
			}
		}
		if hasA && hasB {
			close(done)
			writers.Wait()
			t.Fatalf("iteration %d: observed mixed subscription sets %v (inA=%v inB=%v)", i, kinds, inA, inB)
		}
	}
	close(done)
	writers.Wait()
}

func TestManyPairsIndependent(t *testing.T) {
	registry := NewRegistry()
	for i := 0; i < 20; i++ {
		registry.SetSubscriptions("s1", fmt.Sprintf("com.example.app%d", i), []protocol.Kind{protocol.KindButtonPress})
	}
	if got := len(registry.SubscribersFor(protocol.KindButtonPress)); got != 20 {
		t.Fatalf("got %d subscribers, want 20", got)
	}
	registry.ClearAll("s1", "com.example.app3")
	if got := len(registry.SubscribersFor(protocol.KindButtonPress)); got != 19 {
		t.Fatalf("after clear: got %d subscribers, want 19", got)
	}
}
