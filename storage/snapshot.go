// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/augmentos-community/hub/lib/codec"
	"github.com/augmentos-community/hub/protocol"
)

// Transcript snapshots: at session teardown the session manager hands
// over the in-memory transcript ring, and the segments are stored as
// one zstd-compressed CBOR blob keyed by session ID. Transcript text
// compresses well and teardown is off the hot path, so the CPU trade
// is free.

// zstdEncoder and zstdDecoder are reused across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// TranscriptSnapshot is the persisted transcript of one ended session.
type TranscriptSnapshot struct {
	SessionID string
	UserID    string
	CreatedAt time.Time
	Segments  []protocol.TranscriptSegment
}

// SaveTranscriptSnapshot persists the final transcript of a session.
// A snapshot for the same session ID is replaced.
func (s *Store) SaveTranscriptSnapshot(ctx context.Context, sessionID, userID string, segments []protocol.TranscriptSegment) error {
	encoded, err := codec.Marshal(segments)
	if err != nil {
		return fmt.Errorf("storage: encoding transcript for %s: %w", sessionID, err)
	}
	compressed := zstdEncoder.EncodeAll(encoded, nil)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: save transcript snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO transcript_snapshots (session_id, user_id, created_at, segments)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = excluded.user_id,
			created_at = excluded.created_at,
			segments = excluded.segments`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, userID, s.clk.Now().UnixNano(), compressed},
		})
	if err != nil {
		return fmt.Errorf("storage: writing transcript snapshot for %s: %w", sessionID, err)
	}
	return nil
}

// TranscriptSnapshot returns the persisted transcript of an ended
// session, or ErrNotFound.
func (s *Store) TranscriptSnapshot(ctx context.Context, sessionID string) (*TranscriptSnapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: transcript snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	var snapshot *TranscriptSnapshot
	err = sqlitex.Execute(conn, `
		SELECT user_id, created_at, segments
		FROM transcript_snapshots WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				compressed := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, compressed)

				encoded, err := zstdDecoder.DecodeAll(compressed, nil)
				if err != nil {
					return fmt.Errorf("decompressing: %w", err)
				}
				var segments []protocol.TranscriptSegment
				if err := codec.Unmarshal(encoded, &segments); err != nil {
					return fmt.Errorf("decoding: %w", err)
				}
				snapshot = &TranscriptSnapshot{
					SessionID: sessionID,
					UserID:    stmt.ColumnText(0),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(1)),
					Segments:  segments,
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: reading transcript snapshot %s: %w", sessionID, err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("storage: transcript snapshot %s: %w", sessionID, ErrNotFound)
	}
	return snapshot, nil
}
