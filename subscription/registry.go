// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package subscription maintains the inverted index from event kind to
// the (session, package) pairs that want that kind. TPA subscription
// updates replace a pair's membership atomically across all kind
// buckets, and readers always see a consistent snapshot: the router's
// fan-out never observes a half-applied update.
package subscription

import (
	"sync"

	"github.com/augmentos-community/hub/protocol"
)

// Subscriber identifies one TPA connection's interest within one
// session.
type Subscriber struct {
	SessionID   string
	PackageName string
}

// Registry is the subscription index. Safe for concurrent use: writes
// copy the affected buckets, so readers iterate immutable slices
// without holding the lock during fan-out.
type Registry struct {
	mu sync.RWMutex

	// buckets maps a subscribed kind to its subscribers. Slices are
	// copy-on-write: mutation replaces a bucket wholesale, never
	// appends in place, so a slice handed out by SubscribersFor stays
	// valid and consistent forever.
	buckets map[protocol.Kind][]Subscriber

	// byPair tracks each pair's current kind set, so a replacement
	// update knows which buckets to clean without scanning all of
	// them.
	byPair map[Subscriber][]protocol.Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		buckets: make(map[protocol.Kind][]Subscriber),
		byPair:  make(map[Subscriber][]protocol.Kind),
	}
}

// SetSubscriptions atomically replaces pair's subscription set. Every
// bucket the pair previously occupied is cleaned, every kind in kinds
// gains the pair. Duplicate kinds in the input are collapsed.
func (r *Registry) SetSubscriptions(sessionID, packageName string, kinds []protocol.Kind) {
	pair := Subscriber{SessionID: sessionID, PackageName: packageName}

	deduped := make([]protocol.Kind, 0, len(kinds))
	seen := make(map[protocol.Kind]bool, len(kinds))
	for _, kind := range kinds {
		if !seen[kind] {
			seen[kind] = true
			deduped = append(deduped, kind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, kind := range r.byPair[pair] {
		r.removeFromBucketLocked(kind, pair)
	}
	for _, kind := range deduped {
		r.addToBucketLocked(kind, pair)
	}
	if len(deduped) == 0 {
		delete(r.byPair, pair)
	} else {
		r.byPair[pair] = deduped
	}
}

// ClearAll removes every subscription held by the pair. Called when a
// TPA connection is torn down.
func (r *Registry) ClearAll(sessionID, packageName string) {
	r.SetSubscriptions(sessionID, packageName, nil)
}

// ClearSession removes every subscription belonging to the session,
// regardless of package. Called on session teardown.
func (r *Registry) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pair, kinds := range r.byPair {
		if pair.SessionID != sessionID {
			continue
		}
		for _, kind := range kinds {
			r.removeFromBucketLocked(kind, pair)
		}
		delete(r.byPair, pair)
	}
}

// SubscribersFor returns the pairs whose subscriptions match an event
// of the given kind: the wildcard bucket, the exact bucket, and — for
// parameterized kinds — the bare-base bucket. The result is freshly
// allocated; callers may retain it.
func (r *Registry) SubscribersFor(kind protocol.Kind) []Subscriber {
	r.mu.RLock()
	wildcard := r.buckets[protocol.KindWildcard]
	exact := r.buckets[kind]
	var bare []Subscriber
	if base := kind.Base(); base != kind {
		bare = r.buckets[base]
	}
	r.mu.RUnlock()

	// Merge without duplicates. A pair subscribed to both the exact
	// and wildcard forms still receives the event once.
	result := make([]Subscriber, 0, len(wildcard)+len(exact)+len(bare))
	seen := make(map[Subscriber]bool, cap(result))
	for _, bucket := range [][]Subscriber{wildcard, exact, bare} {
		for _, pair := range bucket {
			if !seen[pair] {
				seen[pair] = true
				result = append(result, pair)
			}
		}
	}
	return result
}

// Subscriptions returns pair's current kind set, or nil. The result
// is a copy.
func (r *Registry) Subscriptions(sessionID, packageName string) []protocol.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := r.byPair[Subscriber{SessionID: sessionID, PackageName: packageName}]
	if kinds == nil {
		return nil
	}
	out := make([]protocol.Kind, len(kinds))
	copy(out, kinds)
	return out
}

// addToBucketLocked inserts pair into kind's bucket, copy-on-write.
func (r *Registry) addToBucketLocked(kind protocol.Kind, pair Subscriber) {
	old := r.buckets[kind]
	replacement := make([]Subscriber, len(old), len(old)+1)
	copy(replacement, old)
	r.buckets[kind] = append(replacement, pair)
}

// removeFromBucketLocked removes pair from kind's bucket,
// copy-on-write. Empty buckets are deleted.
func (r *Registry) removeFromBucketLocked(kind protocol.Kind, pair Subscriber) {
	old := r.buckets[kind]
	replacement := make([]Subscriber, 0, len(old))
	for _, existing := range old {
		if existing != pair {
			replacement = append(replacement, existing)
		}
	}
	if len(replacement) == 0 {
		delete(r.buckets, kind)
	} else {
		r.buckets[kind] = replacement
	}
}
