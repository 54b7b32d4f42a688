// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "context"

// Transport is one message-oriented socket. The channel layer never
// sees frames or websocket details, only whole messages.
//
// ReadMessage blocks until a message arrives, the transport fails, or
// the transport is closed. Implementations must make Close unblock any
// in-flight ReadMessage.
type Transport interface {
	// ReadMessage returns the next inbound message.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteMessage sends one message.
	WriteMessage(ctx context.Context, data []byte) error

	// Close tears down the socket. Idempotent.
	Close() error
}

// Dialer opens a fresh Transport to a fixed remote endpoint. Channels
// constructed with a Dialer reconnect themselves after transport
// failures; channels without one wait passively for the remote side
// to re-attach.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}
