// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type constants for the device socket.
const (
	// Device → cloud.
	TypeConnectionInit = "connection_init"
	TypeStartApp       = "start_app"
	TypeStopApp        = "stop_app"

	// Cloud → device.
	TypeConnectionAck   = "connection_ack"
	TypeConnectionError = "connection_error"
	TypeAuthError       = "auth_error"
	TypeDisplayEvent    = "display_event"
	TypeAppStateChange  = "app_state_change"
)

// Message type constants for the TPA socket.
const (
	// TPA → cloud.
	TypeTpaConnectionInit  = "tpa_connection_init"
	TypeSubscriptionUpdate = "subscription_update"
	// A TPA display request reuses the display_event type name on the
	// wire, mirroring the device-bound render instruction.
	TypeDisplayRequest = "display_event"

	// Cloud → TPA.
	TypeTpaConnectionAck   = "tpa_connection_ack"
	TypeTpaConnectionError = "tpa_connection_error"
	TypeDataStream         = "data_stream"
	TypeAppStopped         = "app_stopped"
	TypeSessionUpdate      = "session_update"
)

// Heartbeat message types, shared by both socket directions. These are
// application-level probes distinct from transport keepalive, so the
// hub can detect zombie connections the transport still reports open.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Envelope is the decoded header common to every socket message. The
// payload stays raw until the type is known.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"-"`
}

// ParseEnvelope decodes the message header and retains the full
// message bytes for a second, type-specific decode.
func ParseEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("protocol: malformed message: %w", err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: message missing type")
	}
	envelope.Payload = data
	return envelope, nil
}

// ConnectionInit is the first message on a device socket. CoreToken is
// the device JWT; nothing else is accepted before authentication.
type ConnectionInit struct {
	Type      string    `json:"type"`
	CoreToken string    `json:"coreToken"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionAck confirms device authentication and carries the
// assigned session ID.
type ConnectionAck struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionError reports a fatal connection-level failure to the
// device before the socket closes.
type ConnectionError struct {
	Type      string    `json:"type"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StartApp and StopApp are device requests to change the running-app
// set.
type StartApp struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	PackageName string    `json:"packageName"`
	Timestamp   time.Time `json:"timestamp"`
}

type StopApp struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	PackageName string    `json:"packageName"`
	Timestamp   time.Time `json:"timestamp"`
}

// AppStateChange tells the device which apps are currently active.
// Sent whenever the active set changes.
type AppStateChange struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	ActiveApps []string  `json:"activeApps"`
	Timestamp  time.Time `json:"timestamp"`
}

// TpaConnectionInit is the first message on a TPA socket. The session
// ID comes from the webhook that asked the TPA to connect; the API key
// authenticates the TPA server.
type TpaConnectionInit struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	PackageName string    `json:"packageName"`
	APIKey      string    `json:"apiKey"`
	Timestamp   time.Time `json:"timestamp"`
}

// TpaConnectionAck confirms TPA authentication.
type TpaConnectionAck struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// TpaConnectionError reports a fatal TPA connection failure before the
// socket closes.
type TpaConnectionError struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscriptionUpdate atomically replaces a TPA's subscription set for
// the session.
type SubscriptionUpdate struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"sessionId"`
	PackageName   string    `json:"packageName"`
	Subscriptions []Kind    `json:"subscriptions"`
	Timestamp     time.Time `json:"timestamp"`
}

// DisplayRequest asks the arbitrator to render a layout on the device.
type DisplayRequest struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	PackageName string    `json:"packageName"`
	View        ViewType  `json:"view"`
	Layout      Layout    `json:"layout"`
	DurationMs  int       `json:"durationMs,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DisplayEvent is the render instruction the hub forwards to the
// device once arbitration accepts a request.
type DisplayEvent struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	PackageName string    `json:"packageName,omitempty"`
	View        ViewType  `json:"view"`
	Layout      Layout    `json:"layout"`
	Timestamp   time.Time `json:"timestamp"`
}

// DataStream wraps one routed event for delivery to a subscribed TPA.
type DataStream struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId"`
	StreamKind Kind            `json:"streamType"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// AppStopped tells a TPA its session has ended.
type AppStopped struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionUpdate notifies a surviving TPA connection that the session
// it serves has a new ID after a device reconnection.
type SessionUpdate struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sessionId"`
	NewSessionID string    `json:"newSessionId"`
	Timestamp    time.Time `json:"timestamp"`
}

// Event is one produced data point flowing through the broadcast
// router, always scoped to a single session.
type Event struct {
	SessionID string          `json:"sessionId"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}
