// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the hub's network surface: the device and
// TPA WebSocket endpoints, the TPA server registration API, and the
// health probe. Authentication happens on the first socket message,
// before any session or registry state is touched; a rejected
// handshake closes with policy-violation code 1008.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/augmentos-community/hub/channel"
	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/lib/keyhash"
	"github.com/augmentos-community/hub/protocol"
	"github.com/augmentos-community/hub/registry"
	"github.com/augmentos-community/hub/router"
	"github.com/augmentos-community/hub/session"
	"github.com/augmentos-community/hub/storage"
)

// authTimeout bounds the wait for the first (authentication) message
// on a freshly upgraded socket.
const authTimeout = 10 * time.Second

// Config holds Server construction parameters. Manager, Router,
// Connections, Store, and TokenSecret are required.
type Config struct {
	Manager     *session.Manager
	Router      *router.Router
	Connections *registry.Registry
	Store       *storage.Store

	// TokenSecret verifies device core tokens.
	TokenSecret []byte

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// Server routes HTTP and WebSocket traffic into the session layer.
type Server struct {
	manager     *session.Manager
	router      *router.Router
	connections *registry.Registry
	store       *storage.Store
	tokens      *TokenVerifier
	clk         clock.Clock
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// New returns a Server over the given collaborators.
func New(config Config) *Server {
	if config.Manager == nil || config.Router == nil ||
		config.Connections == nil || config.Store == nil {
		panic("server: Config.Manager, Router, Connections, and Store are required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:     config.Manager,
		router:      config.Router,
		connections: config.Connections,
		store:       config.Store,
		tokens:      NewTokenVerifier(config.TokenSecret),
		clk:         clk,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device and TPA clients are native processes, not
			// browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the hub's HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/device", s.handleDeviceSocket)
	mux.HandleFunc("GET /ws/tpa", s.handleTpaSocket)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// registerRequest is the TPA server registration payload.
type registerRequest struct {
	PackageName  string   `json:"packageName"`
	Name         string   `json:"name"`
	AppType      string   `json:"appType"`
	ServerURL    string   `json:"serverUrl"`
	APIKey       string   `json:"apiKey"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// handleRegister persists a TPA server registration and kicks off
// orphaned-session recovery. Re-registering an existing package
// requires presenting its current API key.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var request registerRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed registration payload")
		return
	}
	if request.PackageName == "" || request.ServerURL == "" || request.APIKey == "" {
		writeJSONError(w, http.StatusBadRequest, "packageName, serverUrl, and apiKey are required")
		return
	}
	appType := protocol.AppType(request.AppType)
	if appType == "" {
		appType = protocol.AppStandard
	}
	switch appType {
	case protocol.AppStandard, protocol.AppBackground,
		protocol.AppSystemDashboard, protocol.AppSystemAppStore:
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown appType")
		return
	}

	existing, err := s.store.AppRecord(r.Context(), request.PackageName)
	switch {
	case err == nil:
		if !keyhash.Verify(request.APIKey, existing.APIKeyHash) {
			s.logger.Warn("registration rejected, api key mismatch",
				"package", request.PackageName)
			writeJSONError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.logger.Error("loading app record", "package", request.PackageName, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	recovered, err := s.manager.HandleTpaRegistration(r.Context(), storage.AppRecord{
		PackageName:  request.PackageName,
		Name:         request.Name,
		AppType:      appType,
		ServerURL:    request.ServerURL,
		APIKeyHash:   keyhash.Sum(request.APIKey),
		Capabilities: request.Capabilities,
	})
	if err != nil {
		s.logger.Error("registration failed", "package", request.PackageName, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":            "success",
		"recoveredSessions": recovered,
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": message,
	})
}

// heartbeatConfig returns the channel heartbeat hooks shared by both
// socket kinds: the hub pings, the peer pongs.
func (s *Server) heartbeatConfig() (pingMessage func() []byte, isPong func([]byte) bool) {
	pingMessage = func() []byte {
		data, _ := json.Marshal(map[string]any{
			"type":      protocol.TypePing,
			"timestamp": s.clk.Now(),
		})
		return data
	}
	isPong = func(data []byte) bool {
		envelope, err := protocol.ParseEnvelope(data)
		return err == nil && envelope.Type == protocol.TypePong
	}
	return pingMessage, isPong
}

// sendPong answers an application-level ping from the peer.
func (s *Server) sendPong(ch *channel.Channel) {
	data, err := json.Marshal(map[string]any{
		"type":      protocol.TypePong,
		"timestamp": s.clk.Now(),
	})
	if err != nil {
		return
	}
	if err := ch.Send(data, channel.PriorityControl); err != nil {
		s.logger.Debug("pong send failed", "error", err)
	}
}
