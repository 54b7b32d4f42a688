// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single websocket write. A peer that cannot
// absorb one message within this window is treated as a transport
// failure and handed to the reconnect machinery.
const writeTimeout = 10 * time.Second

// WebSocketTransport adapts a gorilla websocket connection to the
// Transport interface. All messages are text frames carrying JSON.
//
// The channel layer guarantees a single concurrent writer, matching
// gorilla's one-writer constraint.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established websocket connection,
// typically one produced by an HTTP upgrade on the server accept path.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// ReadMessage returns the next text or binary frame. The context is
// not consulted mid-read; Close unblocks a pending read.
func (t *WebSocketTransport) ReadMessage(_ context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

// WriteMessage sends one text frame, bounded by writeTimeout or the
// context deadline, whichever is sooner.
func (t *WebSocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeTimeout)
	if contextDeadline, ok := ctx.Deadline(); ok && contextDeadline.Before(deadline) {
		deadline = contextDeadline
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close tears down the websocket. Idempotent: gorilla returns an error
// on double close, which is discarded.
func (t *WebSocketTransport) Close() error {
	t.conn.Close()
	return nil
}

// CloseWithPolicyViolation sends close code 1008 before closing. Used
// for authentication rejections, which must be distinguishable from
// ordinary disconnects on the client side.
func (t *WebSocketTransport) CloseWithPolicyViolation(reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	t.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	t.conn.Close()
}

// WebSocketDialer dials a fixed websocket URL. Used by channels that
// actively reconnect to a remote endpoint.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Header is sent with the upgrade request. Optional.
	Header http.Header
}

// Dial opens the websocket and wraps it as a Transport.
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	return NewWebSocketTransport(conn), nil
}
