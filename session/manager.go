// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/augmentos-community/hub/channel"
	"github.com/augmentos-community/hub/display"
	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/protocol"
	"github.com/augmentos-community/hub/registry"
	"github.com/augmentos-community/hub/storage"
	"github.com/augmentos-community/hub/subscription"
	"github.com/augmentos-community/hub/webhook"
)

// DefaultGraceWindow is how long a disconnected session survives
// awaiting reconnection before teardown.
const DefaultGraceWindow = 5 * time.Minute

// DefaultBootTimeout bounds the boot screen for an app whose TPA
// server acknowledged the webhook but never connected back.
const DefaultBootTimeout = 15 * time.Second

// storageTimeout bounds background persistence calls so a stuck
// database never pins goroutines forever.
const storageTimeout = 30 * time.Second

var (
	// ErrSessionNotFound is returned for operations on an unknown or
	// already torn-down session ID.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrAppNotInstalled is returned when an operation names a package
	// absent from the session's installed set.
	ErrAppNotInstalled = errors.New("session: app not installed")
)

// Config holds Manager construction parameters. Connections,
// Subscriptions, Store, and Webhooks are required.
type Config struct {
	Connections   *registry.Registry
	Subscriptions *subscription.Registry
	Store         *storage.Store
	Webhooks      *webhook.Client

	// WebSocketURL is the public TPA socket URL advertised in
	// session_request webhooks.
	WebSocketURL string

	// GraceWindow defaults to DefaultGraceWindow; BootTimeout to
	// DefaultBootTimeout; TranscriptWindow to DefaultTranscriptWindow.
	GraceWindow      time.Duration
	BootTimeout      time.Duration
	TranscriptWindow time.Duration

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns the UserSession table and drives the session
// lifecycle. Safe for concurrent use: the table is guarded by a
// mutex, and per-session state is serialized on each session's
// executor.
type Manager struct {
	connections   *registry.Registry
	subscriptions *subscription.Registry
	store         *storage.Store
	webhooks      *webhook.Client

	webSocketURL     string
	graceWindow      time.Duration
	bootTimeout      time.Duration
	transcriptWindow time.Duration
	clk              clock.Clock
	logger           *slog.Logger

	mu     sync.Mutex
	byID   map[string]*UserSession
	byUser map[string]*UserSession
}

// NewManager returns a session manager over the given collaborators.
func NewManager(config Config) *Manager {
	if config.Connections == nil || config.Subscriptions == nil ||
		config.Store == nil || config.Webhooks == nil {
		panic("session: Config.Connections, Subscriptions, Store, and Webhooks are required")
	}
	graceWindow := config.GraceWindow
	if graceWindow == 0 {
		graceWindow = DefaultGraceWindow
	}
	bootTimeout := config.BootTimeout
	if bootTimeout == 0 {
		bootTimeout = DefaultBootTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connections:      config.Connections,
		subscriptions:    config.Subscriptions,
		store:            config.Store,
		webhooks:         config.Webhooks,
		webSocketURL:     config.WebSocketURL,
		graceWindow:      graceWindow,
		bootTimeout:      bootTimeout,
		transcriptWindow: config.TranscriptWindow,
		clk:              clk,
		logger:           logger,
		byID:             make(map[string]*UserSession),
		byUser:           make(map[string]*UserSession),
	}
}

// Lookup returns the live session with the given ID.
func (m *Manager) Lookup(sessionID string) (*UserSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.byID[sessionID]
	return session, ok
}

// LookupByUser returns the live session for a user.
func (m *Manager) LookupByUser(userID string) (*UserSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.byUser[userID]
	return session, ok
}

// Connect handles a freshly authenticated device socket. If the user
// has a session inside its grace window, its state transfers to a new
// session ID (resumed=true); otherwise a brand-new session is created
// and every installed app's TPA server is webhooked concurrently.
func (m *Manager) Connect(ctx context.Context, userID string, deviceChannel *channel.Channel) (session *UserSession, resumed bool, err error) {
	m.mu.Lock()
	previous := m.byUser[userID]
	m.mu.Unlock()

	if previous != nil {
		session, err := m.reconnect(previous, deviceChannel)
		if err == nil {
			return session, true, nil
		}
		// The previous session tore down while we were looking at it;
		// fall through to a fresh creation.
		m.logger.Debug("reconnect target gone, creating new session",
			"user", userID, "error", err)
	}

	session, err = m.createSession(ctx, userID, deviceChannel)
	return session, false, err
}

// createSession builds a new UserSession for the user, registers the
// device channel, and fires a session_request webhook to every
// installed app concurrently. Webhook outcomes never block creation.
func (m *Manager) createSession(ctx context.Context, userID string, deviceChannel *channel.Channel) (*UserSession, error) {
	installed, err := m.loadInstalledApps(ctx, userID)
	if err != nil {
		return nil, err
	}

	session := m.newSession(userID, installed)
	m.registerSession(session, deviceChannel)

	// Boot screen while the installed apps' servers connect back.
	for i := range installed {
		m.beginBoot(session, installed[i].PackageName)
	}
	for i := range installed {
		go m.triggerAppStart(session, installed[i])
	}

	m.logger.Info("session created",
		"session", session.ID,
		"user", userID,
		"installed_apps", len(installed),
	)
	return session, nil
}

// newSession constructs the UserSession and its executor, display
// arbitrator, and transcript buffer.
func (m *Manager) newSession(userID string, installed []storage.AppRecord) *UserSession {
	sessionID := uuid.NewString()
	session := &UserSession{
		ID:            sessionID,
		UserID:        userID,
		CreatedAt:     m.clk.Now(),
		executor:      newExecutor(),
		transcript:    newTranscriptBuffer(m.transcriptWindow),
		installedApps: installed,
		activeApps:    make(map[string]struct{}),
		bootTimers:    make(map[string]*clock.Timer),
	}
	session.display = display.New(display.Config{
		SessionID: sessionID,
		Render:    m.renderFunc(sessionID),
		Clock:     m.clk,
		Logger:    m.logger,
	})
	return session
}

// registerSession publishes the session in the table and the device
// channel in the connection registry.
func (m *Manager) registerSession(session *UserSession, deviceChannel *channel.Channel) {
	m.mu.Lock()
	m.byID[session.ID] = session
	m.byUser[session.UserID] = session
	m.mu.Unlock()
	m.connections.RegisterDevice(session.ID, deviceChannel)
}

// renderFunc builds the arbitrator's render callback: marshal the
// instruction and queue it on the session's device channel at high
// priority. The channel is resolved per render because reconnection
// replaces it.
func (m *Manager) renderFunc(sessionID string) func(protocol.DisplayEvent) {
	return func(event protocol.DisplayEvent) {
		m.sendToDevice(sessionID, event, channel.PriorityHigh)
	}
}

// sendToDevice marshals one message onto the session's device channel.
func (m *Manager) sendToDevice(sessionID string, message any, priority channel.Priority) {
	data, err := json.Marshal(message)
	if err != nil {
		m.logger.Error("marshaling device message", "session", sessionID, "error", err)
		return
	}
	deviceChannel, ok := m.connections.LookupDevice(sessionID)
	if !ok {
		m.logger.Debug("no device channel for render", "session", sessionID)
		return
	}
	if err := deviceChannel.Send(data, priority); err != nil {
		m.logger.Warn("device send failed", "session", sessionID, "error", err)
	}
}

// loadInstalledApps resolves the user's installed packages to full
// app records. Packages with no registration are skipped: they cannot
// be webhooked or authenticated.
func (m *Manager) loadInstalledApps(ctx context.Context, userID string) ([]storage.AppRecord, error) {
	packages, err := m.store.InstalledApps(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: loading installed apps for %s: %w", userID, err)
	}
	installed := make([]storage.AppRecord, 0, len(packages))
	for _, packageName := range packages {
		record, err := m.store.AppRecord(ctx, packageName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.logger.Warn("installed app has no registration",
					"user", userID, "package", packageName)
				continue
			}
			return nil, fmt.Errorf("session: loading app record %s: %w", packageName, err)
		}
		installed = append(installed, *record)
	}
	return installed, nil
}

// reconnect transfers a grace-window session's state to a new session
// ID. Every transferred TPA connection is health-validated first;
// stale entries are dropped, and survivors are told the new session
// ID with a session_update message.
func (m *Manager) reconnect(previous *UserSession, deviceChannel *channel.Channel) (*UserSession, error) {
	var (
		claimed    bool
		installed  []storage.AppRecord
		active     map[string]struct{}
		transcript []protocol.TranscriptSegment
	)
	alive := previous.executor.run(func() {
		if previous.torn {
			return
		}
		previous.torn = true
		claimed = true
		if previous.graceTimer != nil {
			previous.graceTimer.Stop()
			previous.graceTimer = nil
		}
		installed = previous.installedApps
		active = previous.activeApps
		transcript = previous.transcript.snapshot()
	})
	if !alive || !claimed {
		return nil, ErrSessionNotFound
	}

	session := m.newSession(previous.UserID, installed)
	session.activeApps = active
	session.transcript.adopt(transcript)

	// Move device and TPA records to the new session ID, then swap in
	// the fresh device channel.
	m.connections.RenameSession(previous.ID, session.ID)

	m.mu.Lock()
	delete(m.byID, previous.ID)
	m.byID[session.ID] = session
	m.byUser[session.UserID] = session
	m.mu.Unlock()
	m.connections.RegisterDevice(session.ID, deviceChannel)

	// Validate each transferred TPA connection; drop stale entries
	// rather than carrying dead handles forward.
	survivors := 0
	for _, record := range m.connections.TpaConnectionsForSession(session.ID) {
		packageName := record.Key.PackageName
		if record.Health() != channel.StateConnected {
			m.logger.Info("dropping stale tpa connection on reconnect",
				"session", session.ID,
				"package", packageName,
				"health", record.Health(),
			)
			m.connections.RemoveTpa(session.ID, packageName)
			m.subscriptions.ClearAll(previous.ID, packageName)
			continue
		}
		survivors++

		// Transfer the pair's subscriptions to the new session ID.
		kinds := m.subscriptions.Subscriptions(previous.ID, packageName)
		m.subscriptions.SetSubscriptions(session.ID, packageName, kinds)

		update, err := json.Marshal(protocol.SessionUpdate{
			Type:         protocol.TypeSessionUpdate,
			SessionID:    previous.ID,
			NewSessionID: session.ID,
			Timestamp:    m.clk.Now(),
		})
		if err == nil {
			if err := record.Channel.Send(update, channel.PriorityControl); err != nil {
				m.logger.Warn("session update notify failed",
					"session", session.ID, "package", packageName, "error", err)
			}
		}
	}
	m.subscriptions.ClearSession(previous.ID)

	go previous.executor.close()

	m.logger.Info("session reconnected",
		"user", session.UserID,
		"old_session", previous.ID,
		"new_session", session.ID,
		"surviving_tpas", survivors,
	)
	return session, nil
}

// HandleDisconnect marks the session disconnected and arms the grace
// window. Idempotent: a second call while already disconnected (or
// torn down) changes nothing.
func (m *Manager) HandleDisconnect(sessionID string) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return
	}
	session.executor.submit(func() {
		if session.torn || !session.disconnectedAt.IsZero() {
			return
		}
		session.disconnectedAt = m.clk.Now()
		session.graceTimer = m.clk.AfterFunc(m.graceWindow, func() {
			m.Teardown(sessionID, "grace window expired")
		})
		m.logger.Info("session disconnected, grace window armed",
			"session", sessionID,
			"grace_window", m.graceWindow,
		)
	})
}

// Teardown destroys a session: stop webhooks to its active apps, a
// transcript snapshot write, registry and subscription cleanup, and
// executor shutdown. Idempotent.
func (m *Manager) Teardown(sessionID string, reason string) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return
	}

	var (
		alreadyTorn bool
		active      []storage.AppRecord
		transcript  []protocol.TranscriptSegment
	)
	session.executor.run(func() {
		if session.torn {
			alreadyTorn = true
			return
		}
		session.torn = true
		if session.graceTimer != nil {
			session.graceTimer.Stop()
			session.graceTimer = nil
		}
		for packageName := range session.activeApps {
			if record, ok := session.appRecordLocked(packageName); ok {
				active = append(active, *record)
			}
		}
		transcript = session.transcript.snapshot()
	})
	if alreadyTorn {
		return
	}

	m.mu.Lock()
	delete(m.byID, sessionID)
	if m.byUser[session.UserID] == session {
		delete(m.byUser, session.UserID)
	}
	m.mu.Unlock()

	for i := range active {
		m.notifyAppStopped(sessionID, active[i].PackageName, protocol.StopReasonSystemStop)
	}
	m.subscriptions.ClearSession(sessionID)
	m.connections.RemoveSession(sessionID)

	session.bootMu.Lock()
	for _, timer := range session.bootTimers {
		timer.Stop()
	}
	session.bootMu.Unlock()

	// Off the teardown path: tell each active TPA server the session
	// ended, and persist the final transcript.
	for i := range active {
		record := active[i]
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
			defer cancel()
			err := m.webhooks.TriggerStop(ctx, record.ServerURL, protocol.StopWebhookRequest{
				SessionID: sessionID,
				UserID:    session.UserID,
				Reason:    protocol.StopReasonSystemStop,
			})
			if err != nil {
				m.logger.Warn("stop webhook failed",
					"session", sessionID, "package", record.PackageName, "error", err)
			}
		}()
	}
	if len(transcript) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
			defer cancel()
			if err := m.store.SaveTranscriptSnapshot(ctx, sessionID, session.UserID, transcript); err != nil {
				m.logger.Warn("transcript snapshot failed",
					"session", sessionID, "error", err)
			}
		}()
	}

	go session.executor.close()

	m.logger.Info("session torn down",
		"session", sessionID,
		"user", session.UserID,
		"reason", reason,
	)
}

// StartApp starts a package for the session: boot screen, webhook to
// the TPA server, persisted running set, app_state_change to the
// device. The webhook runs asynchronously; a failed start is rolled
// back when it reports.
func (m *Manager) StartApp(sessionID, packageName string) error {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	var (
		record   *storage.AppRecord
		startErr error
	)
	alive := session.executor.run(func() {
		if session.torn {
			startErr = ErrSessionNotFound
			return
		}
		found, ok := session.appRecordLocked(packageName)
		if !ok {
			startErr = fmt.Errorf("session: starting %s: %w", packageName, ErrAppNotInstalled)
			return
		}
		if _, running := session.activeApps[packageName]; running {
			return
		}
		record = found
		session.activeApps[packageName] = struct{}{}
		m.pushAppState(session)
	})
	if !alive {
		return ErrSessionNotFound
	}
	if startErr != nil || record == nil {
		return startErr
	}

	m.beginBoot(session, packageName)
	go m.triggerAppStart(session, *record)
	go m.persistRunningApps(session)
	return nil
}

// StopApp stops a package: connection removed, subscriptions cleared,
// display state released, stop webhook fired.
func (m *Manager) StopApp(sessionID, packageName, reason string) error {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	var (
		record  *storage.AppRecord
		stopped bool
	)
	alive := session.executor.run(func() {
		if session.torn {
			return
		}
		if _, running := session.activeApps[packageName]; !running {
			return
		}
		delete(session.activeApps, packageName)
		stopped = true
		if found, ok := session.appRecordLocked(packageName); ok {
			record = found
		}
		m.pushAppState(session)
	})
	if !alive || !stopped {
		return nil
	}

	m.releaseApp(session, packageName, reason)
	if record != nil {
		serverURL := record.ServerURL
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
			defer cancel()
			err := m.webhooks.TriggerStop(ctx, serverURL, protocol.StopWebhookRequest{
				SessionID: sessionID,
				UserID:    session.UserID,
				Reason:    reason,
			})
			if err != nil {
				m.logger.Warn("stop webhook failed",
					"session", sessionID, "package", packageName, "error", err)
			}
		}()
	}
	go m.persistRunningApps(session)
	return nil
}

// releaseApp unwinds one package's connection, subscriptions, and
// display claims for a session. A still-attached TPA socket hears an
// app_stopped frame before its registry entry goes away.
func (m *Manager) releaseApp(session *UserSession, packageName, reason string) {
	m.notifyAppStopped(session.ID, packageName, reason)
	m.connections.RemoveTpa(session.ID, packageName)
	m.subscriptions.ClearAll(session.ID, packageName)
	session.display.ReleaseApp(packageName)
}

// notifyAppStopped sends the app_stopped control frame to a TPA
// connection. Best effort: a dead or missing channel drops it.
func (m *Manager) notifyAppStopped(sessionID, packageName, reason string) {
	record, ok := m.connections.LookupTpa(sessionID, packageName)
	if !ok {
		return
	}
	data, err := json.Marshal(protocol.AppStopped{
		Type:      protocol.TypeAppStopped,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: m.clk.Now(),
	})
	if err != nil {
		return
	}
	if err := record.Channel.Send(data, channel.PriorityControl); err != nil {
		m.logger.Debug("app_stopped not delivered",
			"session", sessionID, "package", packageName, "error", err)
	}
}

// HandleTpaConnected links an authenticated TPA socket to its
// session: registry entry, boot phase cleared, active set updated.
func (m *Manager) HandleTpaConnected(sessionID, packageName string, tpaChannel *channel.Channel) (*registry.TpaConnection, error) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	var (
		connectErr error
		changed    bool
	)
	alive := session.executor.run(func() {
		if session.torn {
			connectErr = ErrSessionNotFound
			return
		}
		if _, ok := session.appRecordLocked(packageName); !ok {
			connectErr = fmt.Errorf("session: tpa connect for %s: %w", packageName, ErrAppNotInstalled)
			return
		}
		if _, running := session.activeApps[packageName]; !running {
			session.activeApps[packageName] = struct{}{}
			changed = true
		}
	})
	if !alive {
		return nil, ErrSessionNotFound
	}
	if connectErr != nil {
		return nil, connectErr
	}

	record := m.connections.RegisterTpa(sessionID, packageName, tpaChannel)
	m.finishBoot(session, packageName)
	if changed {
		session.executor.submit(func() {
			if !session.torn {
				m.pushAppState(session)
			}
		})
		go m.persistRunningApps(session)
	}
	m.logger.Info("tpa connected", "session", sessionID, "package", packageName)
	return record, nil
}

// HandleTpaDisconnected unwinds a permanently disconnected TPA
// connection's derived state. The app stays in the active set so a
// later registration can recover it.
func (m *Manager) HandleTpaDisconnected(sessionID, packageName string) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return
	}
	m.releaseApp(session, packageName, protocol.StopReasonError)
	m.logger.Info("tpa disconnected", "session", sessionID, "package", packageName)
}

// HandleTpaRegistration reacts to a fresh TPA server registration:
// the record is persisted, then every session that has the package
// installed but no healthy connection gets a fresh session_request
// webhook to the new server URL. This is how a restarted TPA server
// recovers its orphaned sessions.
func (m *Manager) HandleTpaRegistration(ctx context.Context, record storage.AppRecord) (recovered int, err error) {
	if err := m.store.UpsertAppRecord(ctx, record); err != nil {
		return 0, fmt.Errorf("session: persisting registration: %w", err)
	}

	m.mu.Lock()
	sessions := make([]*UserSession, 0, len(m.byID))
	for _, session := range m.byID {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session := session
		installed := false
		session.executor.run(func() {
			if session.torn {
				return
			}
			if _, ok := session.appRecordLocked(record.PackageName); ok {
				installed = true
				// Future starts of this app use the new server URL.
				for i := range session.installedApps {
					if session.installedApps[i].PackageName == record.PackageName {
						session.installedApps[i] = record
					}
				}
			}
		})
		if !installed {
			continue
		}
		if connection, ok := m.connections.LookupTpa(session.ID, record.PackageName); ok {
			if connection.Health() == channel.StateConnected {
				continue
			}
			m.connections.RemoveTpa(session.ID, record.PackageName)
		}

		recovered++
		m.beginBoot(session, record.PackageName)
		go m.triggerAppStart(session, record)
	}

	m.logger.Info("tpa registration processed",
		"package", record.PackageName,
		"server_url", record.ServerURL,
		"recovered_sessions", recovered,
	)
	return recovered, nil
}

// AppendTranscript adds a finalized transcript segment to the
// session's buffer.
func (m *Manager) AppendTranscript(sessionID string, segment protocol.TranscriptSegment) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return
	}
	session.executor.submit(func() {
		if !session.torn {
			session.transcript.append(segment, m.clk.Now())
		}
	})
}

// Transcript returns the session's buffered transcript segments.
func (m *Manager) Transcript(sessionID string) []protocol.TranscriptSegment {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return nil
	}
	var segments []protocol.TranscriptSegment
	session.executor.run(func() {
		if !session.torn {
			segments = session.transcript.snapshot()
		}
	})
	return segments
}

// SetSubscriptions replaces a TPA's subscription set for the session,
// serialized on the session executor so it cannot interleave with a
// reconnection transfer.
func (m *Manager) SetSubscriptions(sessionID, packageName string, kinds []protocol.Kind) error {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	var torn bool
	alive := session.executor.run(func() {
		if session.torn {
			torn = true
			return
		}
		m.subscriptions.SetSubscriptions(sessionID, packageName, kinds)
	})
	if !alive || torn {
		return ErrSessionNotFound
	}
	return nil
}

// SubmitDisplayRequest routes a TPA display request through the
// session's arbitrator, resolving the app's display type from its
// registration. The returned error carries the rejection reason.
func (m *Manager) SubmitDisplayRequest(sessionID, packageName string, request protocol.DisplayRequest) error {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	var (
		appType    protocol.AppType
		requestErr error
	)
	alive := session.executor.run(func() {
		if session.torn {
			requestErr = ErrSessionNotFound
			return
		}
		record, ok := session.appRecordLocked(packageName)
		if !ok {
			requestErr = fmt.Errorf("session: display request from %s: %w", packageName, ErrAppNotInstalled)
			return
		}
		appType = record.AppType
	})
	if !alive {
		return ErrSessionNotFound
	}
	if requestErr != nil {
		return requestErr
	}

	return session.display.Submit(display.Request{
		PackageName: packageName,
		AppType:     appType,
		View:        request.View,
		Layout:      request.Layout,
		Duration:    time.Duration(request.DurationMs) * time.Millisecond,
	})
}

// beginBoot marks a package booting and arms the boot timeout that
// clears the flag if the TPA never connects back. A timer left over
// from an earlier boot of the same package is cancelled first, so it
// cannot cut this boot's window short.
func (m *Manager) beginBoot(session *UserSession, packageName string) {
	session.display.SetBooting(packageName, true)

	session.bootMu.Lock()
	defer session.bootMu.Unlock()
	if previous := session.bootTimers[packageName]; previous != nil {
		previous.Stop()
	}
	var timer *clock.Timer
	timer = m.clk.AfterFunc(m.bootTimeout, func() {
		session.bootMu.Lock()
		current := session.bootTimers[packageName] == timer
		if current {
			delete(session.bootTimers, packageName)
		}
		session.bootMu.Unlock()
		if current {
			session.display.SetBooting(packageName, false)
		}
	})
	session.bootTimers[packageName] = timer
}

// finishBoot clears the boot phase for a package and disarms its
// pending timeout.
func (m *Manager) finishBoot(session *UserSession, packageName string) {
	session.bootMu.Lock()
	if timer := session.bootTimers[packageName]; timer != nil {
		timer.Stop()
		delete(session.bootTimers, packageName)
	}
	session.bootMu.Unlock()
	session.display.SetBooting(packageName, false)
}

// triggerAppStart fires the session_request webhook for one app.
// Failure rolls the app out of the boot phase; other apps' startups
// are unaffected.
func (m *Manager) triggerAppStart(session *UserSession, record storage.AppRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	err := m.webhooks.TriggerSession(ctx, record.ServerURL, protocol.SessionWebhookRequest{
		SessionID:    session.ID,
		UserID:       session.UserID,
		WebSocketURL: m.webSocketURL,
	})
	if err == nil {
		return
	}

	m.logger.Warn("app failed to start",
		"session", session.ID,
		"package", record.PackageName,
		"error", err,
	)
	m.finishBoot(session, record.PackageName)
	session.executor.submit(func() {
		if session.torn {
			return
		}
		if _, running := session.activeApps[record.PackageName]; running {
			delete(session.activeApps, record.PackageName)
			m.pushAppState(session)
		}
	})
}

// pushAppState sends the current active-app set to the device.
// Executor only.
func (m *Manager) pushAppState(session *UserSession) {
	m.sendToDevice(session.ID, protocol.AppStateChange{
		Type:       protocol.TypeAppStateChange,
		SessionID:  session.ID,
		ActiveApps: session.activeAppsLocked(),
		Timestamp:  m.clk.Now(),
	}, channel.PriorityNormal)
}

// Shutdown tears down every live session, used on graceful exit.
func (m *Manager) Shutdown(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Teardown(id, reason)
	}
}

// persistRunningApps saves the session's active set for resurrection
// after a hub restart.
func (m *Manager) persistRunningApps(session *UserSession) {
	active := session.ActiveApps()
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := m.store.SaveRunningApps(ctx, session.UserID, active); err != nil {
		m.logger.Warn("persisting running apps failed",
			"session", session.ID, "user", session.UserID, "error", err)
	}
}
