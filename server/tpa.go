// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/augmentos-community/hub/channel"
	"github.com/augmentos-community/hub/lib/keyhash"
	"github.com/augmentos-community/hub/protocol"
	"github.com/augmentos-community/hub/storage"
)

// handleTpaSocket upgrades a TPA server connection. The first frame
// must be a tpa_connection_init naming a live session and carrying
// the package's API key.
func (s *Server) handleTpaSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("tpa upgrade failed", "error", err)
		return
	}
	transport := channel.NewWebSocketTransport(conn)

	init, err := s.readTpaInit(conn)
	if err != nil {
		s.rejectTpa(transport, "authentication required", err)
		return
	}
	if err := s.authenticateTpa(r, init); err != nil {
		s.rejectTpa(transport, "authentication failed", err)
		return
	}

	pingMessage, isPong := s.heartbeatConfig()
	tpa := &tpaConn{
		server:      s,
		packageName: init.PackageName,
		sessionID:   init.SessionID,
	}
	tpa.channel = channel.New(channel.Config{
		Clock:       s.clk,
		Logger:      s.logger,
		PingMessage: pingMessage,
		IsPong:      isPong,
		OnMessage:   tpa.handleMessage,
		OnPermanentDisconnect: func() {
			s.manager.HandleTpaDisconnected(tpa.currentSession(""), tpa.packageName)
		},
	})

	if _, err := s.manager.HandleTpaConnected(init.SessionID, init.PackageName, tpa.channel); err != nil {
		tpa.channel.Close()
		s.rejectTpa(transport, "session rejected connection", err)
		return
	}

	if err := tpa.channel.Attach(transport); err != nil {
		s.logger.Error("tpa attach failed",
			"session", init.SessionID, "package", init.PackageName, "error", err)
		s.manager.HandleTpaDisconnected(init.SessionID, init.PackageName)
		transport.Close()
		return
	}

	ack, err := json.Marshal(protocol.TpaConnectionAck{
		Type:      protocol.TypeTpaConnectionAck,
		SessionID: init.SessionID,
		Timestamp: s.clk.Now(),
	})
	if err == nil {
		tpa.channel.Send(ack, channel.PriorityControl)
	}

	s.logger.Info("tpa connected",
		"session", init.SessionID,
		"package", init.PackageName,
	)
}

// readTpaInit reads and decodes the handshake frame under the auth
// deadline.
func (s *Server) readTpaInit(conn *websocket.Conn) (protocol.TpaConnectionInit, error) {
	conn.SetReadDeadline(s.clk.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.TpaConnectionInit{}, fmt.Errorf("server: reading handshake: %w", err)
	}
	envelope, err := protocol.ParseEnvelope(data)
	if err != nil {
		return protocol.TpaConnectionInit{}, err
	}
	if envelope.Type != protocol.TypeTpaConnectionInit {
		return protocol.TpaConnectionInit{}, fmt.Errorf("server: first message %q, want %s",
			envelope.Type, protocol.TypeTpaConnectionInit)
	}
	var init protocol.TpaConnectionInit
	if err := json.Unmarshal(data, &init); err != nil {
		return protocol.TpaConnectionInit{}, fmt.Errorf("server: malformed tpa_connection_init: %w", err)
	}
	if init.SessionID == "" || init.PackageName == "" || init.APIKey == "" {
		return protocol.TpaConnectionInit{}, errors.New("server: handshake missing sessionId, packageName, or apiKey")
	}
	return init, nil
}

// authenticateTpa checks the presented API key against the package's
// registered hash and confirms the session exists.
func (s *Server) authenticateTpa(r *http.Request, init protocol.TpaConnectionInit) error {
	record, err := s.store.AppRecord(r.Context(), init.PackageName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("server: package %s not registered", init.PackageName)
		}
		return fmt.Errorf("server: loading app record: %w", err)
	}
	if !keyhash.Verify(init.APIKey, record.APIKeyHash) {
		return fmt.Errorf("server: invalid api key for %s", init.PackageName)
	}
	if _, ok := s.manager.Lookup(init.SessionID); !ok {
		return fmt.Errorf("server: unknown session %s", init.SessionID)
	}
	return nil
}

// rejectTpa sends a tpa_connection_error frame and closes with the
// policy-violation code.
func (s *Server) rejectTpa(transport *channel.WebSocketTransport, message string, cause error) {
	s.logger.Warn("tpa handshake rejected", "error", cause)
	s.writeDirect(transport, protocol.TpaConnectionError{
		Type:      protocol.TypeTpaConnectionError,
		Message:   message,
		Timestamp: s.clk.Now(),
	})
	transport.CloseWithPolicyViolation(message)
}

// tpaConn holds one authenticated TPA socket's dispatch state.
// sessionID follows the session across device reconnects, which
// rename the session ID underneath the TPA connection.
type tpaConn struct {
	server      *Server
	channel     *channel.Channel
	packageName string

	mu        sync.Mutex
	sessionID string
}

// currentSession returns the connection's session ID, adopting a
// renamed ID claimed by the peer once the connection registry
// confirms this channel is registered under it.
func (t *tpaConn) currentSession(claimed string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if claimed == "" || claimed == t.sessionID {
		return t.sessionID
	}
	record, ok := t.server.connections.LookupTpa(claimed, t.packageName)
	if ok && record.Channel == t.channel {
		t.sessionID = claimed
	}
	return t.sessionID
}

// handleMessage dispatches one inbound TPA frame. Called from the
// channel's read goroutine. Every frame counts as a liveness signal
// for the connection registry.
func (t *tpaConn) handleMessage(data []byte) {
	s := t.server

	envelope, err := protocol.ParseEnvelope(data)
	if err != nil {
		s.logger.Warn("malformed tpa message",
			"package", t.packageName, "error", err)
		return
	}
	sessionID := t.currentSession(envelope.SessionID)
	s.connections.RecordHeartbeat(sessionID, t.packageName)

	switch envelope.Type {
	case protocol.TypePing:
		s.sendPong(t.channel)

	case protocol.TypeSubscriptionUpdate:
		var update protocol.SubscriptionUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			s.logger.Warn("malformed subscription_update",
				"session", sessionID, "package", t.packageName, "error", err)
			return
		}
		for _, kind := range update.Subscriptions {
			if err := kind.Validate(); err != nil {
				s.logger.Warn("subscription rejected",
					"session", sessionID, "package", t.packageName, "error", err)
				return
			}
		}
		err := s.manager.SetSubscriptions(sessionID, t.packageName, update.Subscriptions)
		if err != nil {
			s.logger.Warn("subscription update failed",
				"session", sessionID, "package", t.packageName, "error", err)
		}

	case protocol.TypeDisplayRequest:
		var request protocol.DisplayRequest
		if err := json.Unmarshal(data, &request); err != nil {
			s.logger.Warn("malformed display request",
				"session", sessionID, "package", t.packageName, "error", err)
			return
		}
		if err := s.manager.SubmitDisplayRequest(sessionID, t.packageName, request); err != nil {
			s.logger.Debug("display request rejected",
				"session", sessionID, "package", t.packageName, "error", err)
		}

	default:
		s.logger.Warn("unhandled tpa message",
			"session", sessionID, "package", t.packageName, "type", envelope.Type)
	}
}
