// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "time"

// Webhook request type constants.
const (
	WebhookSessionRequest = "session_request"
	WebhookStopRequest    = "stop_request"
)

// Stop reasons carried by stop_request webhooks.
const (
	StopReasonUserDisabled = "user_disabled"
	StopReasonSystemStop   = "system_stop"
	StopReasonError        = "error"
)

// SessionWebhookRequest asks a TPA server to start serving a session.
// The TPA responds by opening a WebSocket back to WebSocketURL and
// sending tpa_connection_init with the given session ID.
type SessionWebhookRequest struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	WebSocketURL string    `json:"websocketUrl"`
	Timestamp    time.Time `json:"timestamp"`
}

// StopWebhookRequest tells a TPA server a session it serves has ended.
type StopWebhookRequest struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookResponse is the standard TPA server reply.
type WebhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
