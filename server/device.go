// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/augmentos-community/hub/channel"
	"github.com/augmentos-community/hub/protocol"
	"github.com/augmentos-community/hub/session"
)

// handleDeviceSocket upgrades a device connection and runs its
// handshake: the first frame must be a connection_init carrying a
// valid core token. Only then does the session layer hear about the
// socket.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("device upgrade failed", "error", err)
		return
	}
	transport := channel.NewWebSocketTransport(conn)

	init, err := s.readDeviceInit(conn)
	if err != nil {
		s.logger.Warn("device handshake rejected", "error", err)
		s.writeDirect(transport, protocol.ConnectionError{
			Type:      protocol.TypeAuthError,
			Message:   "authentication required",
			Timestamp: s.clk.Now(),
		})
		transport.CloseWithPolicyViolation("authentication failed")
		return
	}

	userID, err := s.tokens.VerifyCoreToken(init.CoreToken)
	if err != nil {
		s.logger.Warn("device token rejected", "error", err)
		s.writeDirect(transport, protocol.ConnectionError{
			Type:      protocol.TypeAuthError,
			Message:   "invalid core token",
			Timestamp: s.clk.Now(),
		})
		transport.CloseWithPolicyViolation("authentication failed")
		return
	}

	pingMessage, isPong := s.heartbeatConfig()
	device := &deviceConn{server: s}
	device.channel = channel.New(channel.Config{
		Clock:                 s.clk,
		Logger:                s.logger,
		PingMessage:           pingMessage,
		IsPong:                isPong,
		OnMessage:             device.handleMessage,
		OnPermanentDisconnect: device.disconnected,
		// A device never re-attaches to an existing channel; a fresh
		// socket goes through the reconnect path instead. Start the
		// grace window as soon as the transport drops.
		OnStateChange: func(state channel.State) {
			if state == channel.StateConnecting {
				device.disconnected()
			}
		},
	})

	userSession, resumed, err := s.manager.Connect(context.Background(), userID, device.channel)
	if err != nil {
		s.logger.Error("session setup failed", "user", userID, "error", err)
		s.writeDirect(transport, protocol.ConnectionError{
			Type:      protocol.TypeConnectionError,
			Message:   "session setup failed",
			Timestamp: s.clk.Now(),
		})
		device.channel.Close()
		transport.Close()
		return
	}
	device.session = userSession

	if err := device.channel.Attach(transport); err != nil {
		s.logger.Error("device attach failed", "session", userSession.ID, "error", err)
		transport.Close()
		return
	}

	ack, err := json.Marshal(protocol.ConnectionAck{
		Type:      protocol.TypeConnectionAck,
		SessionID: userSession.ID,
		UserID:    userID,
		Timestamp: s.clk.Now(),
	})
	if err == nil {
		device.channel.Send(ack, channel.PriorityControl)
	}

	s.logger.Info("device connected",
		"session", userSession.ID,
		"user", userID,
		"resumed", resumed,
	)
}

// readDeviceInit reads and decodes the handshake frame under the auth
// deadline.
func (s *Server) readDeviceInit(conn *websocket.Conn) (protocol.ConnectionInit, error) {
	conn.SetReadDeadline(s.clk.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.ConnectionInit{}, fmt.Errorf("server: reading handshake: %w", err)
	}
	envelope, err := protocol.ParseEnvelope(data)
	if err != nil {
		return protocol.ConnectionInit{}, err
	}
	if envelope.Type != protocol.TypeConnectionInit {
		return protocol.ConnectionInit{}, fmt.Errorf("server: first message %q, want %s",
			envelope.Type, protocol.TypeConnectionInit)
	}
	var init protocol.ConnectionInit
	if err := json.Unmarshal(data, &init); err != nil {
		return protocol.ConnectionInit{}, fmt.Errorf("server: malformed connection_init: %w", err)
	}
	return init, nil
}

// writeDirect sends one frame on a transport that has no channel yet,
// used for handshake rejections.
func (s *Server) writeDirect(transport *channel.WebSocketTransport, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	transport.WriteMessage(ctx, data)
}

// deviceConn holds one authenticated device socket's dispatch state.
// session is set before the transport attaches, so handleMessage
// never observes it nil.
type deviceConn struct {
	server  *Server
	channel *channel.Channel
	session *session.UserSession
}

// transcriptionMessage is the device-side transcription event.
// Finalized segments also feed the session transcript buffer.
type transcriptionMessage struct {
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	IsFinal   bool      `json:"isFinal"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// handleMessage dispatches one inbound device frame. Called from the
// channel's read goroutine.
func (d *deviceConn) handleMessage(data []byte) {
	s := d.server
	envelope, err := protocol.ParseEnvelope(data)
	if err != nil {
		s.logger.Warn("malformed device message", "session", d.session.ID, "error", err)
		return
	}

	switch envelope.Type {
	case protocol.TypePing:
		s.sendPong(d.channel)

	case protocol.TypeStartApp:
		var request protocol.StartApp
		if err := json.Unmarshal(data, &request); err != nil {
			s.logger.Warn("malformed start_app", "session", d.session.ID, "error", err)
			return
		}
		if err := s.manager.StartApp(d.session.ID, request.PackageName); err != nil {
			s.logger.Warn("start_app failed",
				"session", d.session.ID, "package", request.PackageName, "error", err)
		}

	case protocol.TypeStopApp:
		var request protocol.StopApp
		if err := json.Unmarshal(data, &request); err != nil {
			s.logger.Warn("malformed stop_app", "session", d.session.ID, "error", err)
			return
		}
		err := s.manager.StopApp(d.session.ID, request.PackageName, protocol.StopReasonUserDisabled)
		if err != nil {
			s.logger.Warn("stop_app failed",
				"session", d.session.ID, "package", request.PackageName, "error", err)
		}

	case "vad":
		// Voice activity marker. Audio handling lives upstream of the
		// hub; nothing to route.
		s.logger.Debug("vad", "session", d.session.ID)

	case string(protocol.KindTranscription):
		var transcription transcriptionMessage
		if err := json.Unmarshal(data, &transcription); err != nil {
			s.logger.Warn("malformed transcription", "session", d.session.ID, "error", err)
			return
		}
		kind := protocol.KindTranscription
		if transcription.Language != "" {
			kind = protocol.TranscriptionKind(transcription.Language)
		}
		d.publish(kind, data, envelope.Timestamp)
		if transcription.IsFinal {
			s.manager.AppendTranscript(d.session.ID, protocol.TranscriptSegment{
				Text:      transcription.Text,
				Language:  transcription.Language,
				StartedAt: transcription.StartedAt,
				EndedAt:   transcription.EndedAt,
			})
		}

	default:
		kind := protocol.Kind(envelope.Type)
		if err := kind.Validate(); err != nil || kind.IsWildcard() {
			s.logger.Warn("unhandled device message",
				"session", d.session.ID, "type", envelope.Type)
			return
		}
		d.publish(kind, data, envelope.Timestamp)
	}
}

// publish routes one sensor event to subscribed TPAs.
func (d *deviceConn) publish(kind protocol.Kind, payload []byte, timestamp time.Time) {
	if timestamp.IsZero() {
		timestamp = d.server.clk.Now()
	}
	d.server.router.Publish(protocol.Event{
		SessionID: d.session.ID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: timestamp,
	})
}

// disconnected fires when the channel exhausts its reattach window.
func (d *deviceConn) disconnected() {
	d.server.manager.HandleDisconnect(d.session.ID)
}
