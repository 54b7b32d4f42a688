// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/lib/keyhash"
	"github.com/augmentos-community/hub/protocol"
)

var testEpoch = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "hub.db"),
		PoolSize: 2,
		Clock:    clock.Fake(testEpoch),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := AppRecord{
		PackageName:  "com.example.captions",
		Name:         "Live Captions",
		AppType:      protocol.AppBackground,
		ServerURL:    "https://captions.example.com/webhook",
		APIKeyHash:   keyhash.Sum("secret-key"),
		Capabilities: []string{"transcription", "display"},
	}
	if err := store.UpsertAppRecord(ctx, record); err != nil {
		t.Fatalf("UpsertAppRecord: %v", err)
	}

	got, err := store.AppRecord(ctx, "com.example.captions")
	if err != nil {
		t.Fatalf("AppRecord: %v", err)
	}
	if got.Name != record.Name || got.AppType != record.AppType || got.ServerURL != record.ServerURL {
		t.Fatalf("record mismatch: %+v", got)
	}
	if got.APIKeyHash != record.APIKeyHash {
		t.Fatal("api key hash mismatch")
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "transcription" {
		t.Fatalf("capabilities mismatch: %v", got.Capabilities)
	}
	if got.RegisteredAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not populated")
	}
}

func TestAppRecordNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AppRecord(context.Background(), "com.example.ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertReplacesExistingRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := AppRecord{
		PackageName: "com.example.captions",
		Name:        "Captions",
		AppType:     protocol.AppBackground,
		ServerURL:   "https://old.example.com/webhook",
		APIKeyHash:  keyhash.Sum("old-key"),
	}
	if err := store.UpsertAppRecord(ctx, record); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	record.ServerURL = "https://new.example.com/webhook"
	record.APIKeyHash = keyhash.Sum("new-key")
	if err := store.UpsertAppRecord(ctx, record); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.AppRecord(ctx, "com.example.captions")
	if err != nil {
		t.Fatalf("AppRecord: %v", err)
	}
	if got.ServerURL != "https://new.example.com/webhook" {
		t.Fatalf("server url not updated: %s", got.ServerURL)
	}
	if !keyhash.Verify("new-key", got.APIKeyHash) {
		t.Fatal("api key hash not updated")
	}

	records, err := store.ListAppRecords(ctx)
	if err != nil {
		t.Fatalf("ListAppRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
}

func TestInstalledAppsPreserveOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	installed := []string{"com.example.c", "com.example.a", "com.example.b"}
	if err := store.SaveInstalledApps(ctx, "user@example.com", installed); err != nil {
		t.Fatalf("SaveInstalledApps: %v", err)
	}

	got, err := store.InstalledApps(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("InstalledApps: %v", err)
	}
	if len(got) != 3 || got[0] != "com.example.c" || got[2] != "com.example.b" {
		t.Fatalf("order not preserved: %v", got)
	}
}

func TestRunningAppsReplaceSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveRunningApps(ctx, "user@example.com",
		[]string{"com.example.a", "com.example.b"}); err != nil {
		t.Fatalf("SaveRunningApps: %v", err)
	}
	if err := store.SaveRunningApps(ctx, "user@example.com",
		[]string{"com.example.b"}); err != nil {
		t.Fatalf("second SaveRunningApps: %v", err)
	}

	got, err := store.RunningApps(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("RunningApps: %v", err)
	}
	if len(got) != 1 || got[0] != "com.example.b" {
		t.Fatalf("set not replaced: %v", got)
	}

	// Other users are untouched.
	other, err := store.RunningApps(ctx, "other@example.com")
	if err != nil {
		t.Fatalf("RunningApps for other user: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("unexpected apps for other user: %v", other)
	}
}

func TestTranscriptSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	segments := []protocol.TranscriptSegment{
		{Text: "hello there", Language: "en", StartedAt: testEpoch, EndedAt: testEpoch.Add(2 * time.Second)},
		{Text: "general conversation", Language: "en", StartedAt: testEpoch.Add(3 * time.Second), EndedAt: testEpoch.Add(5 * time.Second)},
	}
	if err := store.SaveTranscriptSnapshot(ctx, "session-1", "user@example.com", segments); err != nil {
		t.Fatalf("SaveTranscriptSnapshot: %v", err)
	}

	snapshot, err := store.TranscriptSnapshot(ctx, "session-1")
	if err != nil {
		t.Fatalf("TranscriptSnapshot: %v", err)
	}
	if snapshot.UserID != "user@example.com" || len(snapshot.Segments) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.Segments[1].Text != "general conversation" {
		t.Fatalf("segment mismatch: %+v", snapshot.Segments[1])
	}
	if !snapshot.Segments[0].StartedAt.Equal(testEpoch) {
		t.Fatalf("timestamp mismatch: %v", snapshot.Segments[0].StartedAt)
	}
}

func TestTranscriptSnapshotNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.TranscriptSnapshot(context.Background(), "session-ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTranscriptSnapshotReplaced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []protocol.TranscriptSegment{{Text: "one", StartedAt: testEpoch, EndedAt: testEpoch}}
	second := []protocol.TranscriptSegment{{Text: "two", StartedAt: testEpoch, EndedAt: testEpoch}}
	if err := store.SaveTranscriptSnapshot(ctx, "session-1", "user@example.com", first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.SaveTranscriptSnapshot(ctx, "session-1", "user@example.com", second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	snapshot, err := store.TranscriptSnapshot(ctx, "session-1")
	if err != nil {
		t.Fatalf("TranscriptSnapshot: %v", err)
	}
	if len(snapshot.Segments) != 1 || snapshot.Segments[0].Text != "two" {
		t.Fatalf("snapshot not replaced: %+v", snapshot.Segments)
	}
}
