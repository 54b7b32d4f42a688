// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/augmentos-community/hub/lib/testutil"
)

func TestWebSocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack"}`))
		conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	dialer := &WebSocketDialer{URL: "ws" + strings.TrimPrefix(server.URL, "http")}
	transport, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { transport.Close() })

	if err := transport.WriteMessage(context.Background(), []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := testutil.RequireReceive(t, received, waitTimeout, "server frame"); string(got) != `{"type":"hello"}` {
		t.Fatalf("server received %s", got)
	}
	data, err := transport.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"type":"ack"}` {
		t.Fatalf("client received %s", data)
	}
}
