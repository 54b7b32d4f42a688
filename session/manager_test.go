// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/augmentos-community/hub/channel"
	"github.com/augmentos-community/hub/display"
	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/lib/keyhash"
	"github.com/augmentos-community/hub/lib/testutil"
	"github.com/augmentos-community/hub/protocol"
	"github.com/augmentos-community/hub/registry"
	"github.com/augmentos-community/hub/storage"
	"github.com/augmentos-community/hub/subscription"
	"github.com/augmentos-community/hub/webhook"
)

const waitTimeout = 5 * time.Second

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// sinkTransport records written messages and blocks reads until the
// transport is closed.
type sinkTransport struct {
	written chan []byte
	closed  chan struct{}
}

func newSinkTransport() *sinkTransport {
	return &sinkTransport{
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (t *sinkTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *sinkTransport) WriteMessage(_ context.Context, data []byte) error {
	select {
	case t.written <- data:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	}
}

func (t *sinkTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

// webhookRecord is one request captured by the fake TPA server.
type webhookRecord struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	WebSocketURL string `json:"websocketUrl"`
	Reason       string `json:"reason"`
}

// fakeTpaServer accepts webhooks and records them.
type fakeTpaServer struct {
	server   *httptest.Server
	received chan webhookRecord
}

func newFakeTpaServer(t *testing.T) *fakeTpaServer {
	t.Helper()
	f := &fakeTpaServer{received: make(chan webhookRecord, 16)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var record webhookRecord
		if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.received <- record
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.server.Close)
	return f
}

type managerFixture struct {
	manager       *Manager
	connections   *registry.Registry
	subscriptions *subscription.Registry
	store         *storage.Store
	clk           *clock.FakeClock
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	clk := clock.Fake(testEpoch)
	store, err := storage.Open(storage.Config{
		Path:   t.TempDir() + "/hub.db",
		Clock:  clk,
		Logger: slog.Default(),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	connections := registry.New(registry.Config{Clock: clk})
	subscriptions := subscription.NewRegistry()
	manager := NewManager(Config{
		Connections:   connections,
		Subscriptions: subscriptions,
		Store:         store,
		Webhooks:      webhook.NewClient(webhook.Config{}),
		WebSocketURL:  "ws://hub.test/ws/tpa",
		Clock:         clk,
	})
	return &managerFixture{
		manager:       manager,
		connections:   connections,
		subscriptions: subscriptions,
		store:         store,
		clk:           clk,
	}
}

// installApp registers an app record pointing at the fake TPA server
// and marks it installed for the user.
func (f *managerFixture) installApp(t *testing.T, userID, packageName, serverURL string) {
	t.Helper()
	ctx := context.Background()
	err := f.store.UpsertAppRecord(ctx, storage.AppRecord{
		PackageName: packageName,
		Name:        packageName,
		AppType:     protocol.AppStandard,
		ServerURL:   serverURL,
		APIKeyHash:  keyhash.Sum("key-" + packageName),
	})
	if err != nil {
		t.Fatalf("upserting app record: %v", err)
	}
	installed, err := f.store.InstalledApps(ctx, userID)
	if err != nil {
		t.Fatalf("loading installed apps: %v", err)
	}
	if err := f.store.SaveInstalledApps(ctx, userID, append(installed, packageName)); err != nil {
		t.Fatalf("saving installed apps: %v", err)
	}
}

// newDeviceChannel returns a connected channel and its transport sink.
func newDeviceChannel(t *testing.T) (*channel.Channel, *sinkTransport) {
	t.Helper()
	ch := channel.New(channel.Config{OnMessage: func([]byte) {}})
	transport := newSinkTransport()
	if err := ch.Attach(transport); err != nil {
		t.Fatalf("attaching transport: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch, transport
}

// sync waits until every previously submitted executor job for the
// session has run.
func (f *managerFixture) sync(t *testing.T, session *UserSession) {
	t.Helper()
	session.ActiveApps()
}

func TestConnectCreatesSessionAndNotifiesInstalledApps(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, resumed, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if resumed {
		t.Fatal("fresh connect reported resumed")
	}
	if session.UserID != "alice" {
		t.Fatalf("UserID = %q, want alice", session.UserID)
	}

	record := testutil.RequireReceive(t, tpa.received, waitTimeout, "session webhook")
	if record.Type != protocol.WebhookSessionRequest {
		t.Fatalf("webhook type = %q, want %q", record.Type, protocol.WebhookSessionRequest)
	}
	if record.SessionID != session.ID {
		t.Fatalf("webhook session = %q, want %q", record.SessionID, session.ID)
	}
	if record.WebSocketURL != "ws://hub.test/ws/tpa" {
		t.Fatalf("webhook websocket url = %q", record.WebSocketURL)
	}

	if _, ok := fixture.connections.LookupDevice(session.ID); !ok {
		t.Fatal("device channel not registered")
	}
	if _, ok := fixture.manager.LookupByUser("alice"); !ok {
		t.Fatal("session not indexed by user")
	}
}

func TestStartAppRequiresInstallation(t *testing.T) {
	fixture := newManagerFixture(t)
	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err = fixture.manager.StartApp(session.ID, "com.example.unknown")
	if !errors.Is(err, ErrAppNotInstalled) {
		t.Fatalf("StartApp error = %v, want ErrAppNotInstalled", err)
	}
}

func TestStartAppWebhooksAndTracksActiveSet(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, deviceSink := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Drain the connect-time session_request.
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")

	if err := fixture.manager.StartApp(session.ID, "com.example.captions"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	record := testutil.RequireReceive(t, tpa.received, waitTimeout, "start webhook")
	if record.Type != protocol.WebhookSessionRequest {
		t.Fatalf("webhook type = %q", record.Type)
	}

	active := session.ActiveApps()
	if len(active) != 1 || active[0] != "com.example.captions" {
		t.Fatalf("ActiveApps = %v", active)
	}

	// The device hears about the state change.
	sawStateChange := false
	deadline := time.After(waitTimeout)
	for !sawStateChange {
		var raw []byte
		select {
		case raw = <-deviceSink.written:
		case <-deadline:
			t.Fatal("timed out waiting for app_state_change")
		}
		var change protocol.AppStateChange
		if err := json.Unmarshal(raw, &change); err != nil {
			continue
		}
		if change.Type == protocol.TypeAppStateChange {
			if len(change.ActiveApps) != 1 || change.ActiveApps[0] != "com.example.captions" {
				t.Fatalf("ActiveApps in message = %v", change.ActiveApps)
			}
			sawStateChange = true
		}
	}
}

func TestStopAppFiresStopWebhook(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")

	if err := fixture.manager.StartApp(session.ID, "com.example.captions"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "start webhook")

	if err := fixture.manager.StopApp(session.ID, "com.example.captions", protocol.StopReasonUserDisabled); err != nil {
		t.Fatalf("StopApp: %v", err)
	}
	record := testutil.RequireReceive(t, tpa.received, waitTimeout, "stop webhook")
	if record.Type != protocol.WebhookStopRequest {
		t.Fatalf("webhook type = %q, want %q", record.Type, protocol.WebhookStopRequest)
	}
	if record.Reason != protocol.StopReasonUserDisabled {
		t.Fatalf("stop reason = %q", record.Reason)
	}
	if active := session.ActiveApps(); len(active) != 0 {
		t.Fatalf("ActiveApps after stop = %v", active)
	}
}

func TestStopAppSendsAppStoppedFrame(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")

	tpaChannel := channel.New(channel.Config{OnMessage: func([]byte) {}})
	tpaSink := newSinkTransport()
	if err := tpaChannel.Attach(tpaSink); err != nil {
		t.Fatalf("attaching tpa transport: %v", err)
	}
	if _, err := fixture.manager.HandleTpaConnected(session.ID, "com.example.captions", tpaChannel); err != nil {
		t.Fatalf("HandleTpaConnected: %v", err)
	}

	if err := fixture.manager.StopApp(session.ID, "com.example.captions", protocol.StopReasonUserDisabled); err != nil {
		t.Fatalf("StopApp: %v", err)
	}

	raw := testutil.RequireReceive(t, tpaSink.written, waitTimeout, "app_stopped frame")
	var stopped protocol.AppStopped
	if err := json.Unmarshal(raw, &stopped); err != nil {
		t.Fatalf("decoding app_stopped: %v", err)
	}
	if stopped.Type != protocol.TypeAppStopped {
		t.Fatalf("frame type = %q, want %q", stopped.Type, protocol.TypeAppStopped)
	}
	if stopped.SessionID != session.ID {
		t.Fatalf("frame session = %q, want %q", stopped.SessionID, session.ID)
	}
	if stopped.Reason != protocol.StopReasonUserDisabled {
		t.Fatalf("frame reason = %q", stopped.Reason)
	}
}

func TestTeardownSendsAppStoppedFrames(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")

	tpaChannel := channel.New(channel.Config{OnMessage: func([]byte) {}})
	tpaSink := newSinkTransport()
	if err := tpaChannel.Attach(tpaSink); err != nil {
		t.Fatalf("attaching tpa transport: %v", err)
	}
	if _, err := fixture.manager.HandleTpaConnected(session.ID, "com.example.captions", tpaChannel); err != nil {
		t.Fatalf("HandleTpaConnected: %v", err)
	}

	fixture.manager.Teardown(session.ID, "test teardown")

	raw := testutil.RequireReceive(t, tpaSink.written, waitTimeout, "app_stopped frame")
	var stopped protocol.AppStopped
	if err := json.Unmarshal(raw, &stopped); err != nil {
		t.Fatalf("decoding app_stopped: %v", err)
	}
	if stopped.Type != protocol.TypeAppStopped {
		t.Fatalf("frame type = %q, want %q", stopped.Type, protocol.TypeAppStopped)
	}
	if stopped.Reason != protocol.StopReasonSystemStop {
		t.Fatalf("frame reason = %q", stopped.Reason)
	}
}

func TestRestartedBootOutlivesEarlierBootTimeout(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")

	// The TPA connects back, completing the first boot and disarming
	// its timeout.
	tpaChannel := channel.New(channel.Config{OnMessage: func([]byte) {}})
	if err := tpaChannel.Attach(newSinkTransport()); err != nil {
		t.Fatalf("attaching tpa transport: %v", err)
	}
	if _, err := fixture.manager.HandleTpaConnected(session.ID, "com.example.captions", tpaChannel); err != nil {
		t.Fatalf("HandleTpaConnected: %v", err)
	}

	if err := fixture.manager.StopApp(session.ID, "com.example.captions", protocol.StopReasonUserDisabled); err != nil {
		t.Fatalf("StopApp: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "stop webhook")

	fixture.clk.Advance(7 * time.Second)
	if err := fixture.manager.StartApp(session.ID, "com.example.captions"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "restart webhook")

	// The first boot's timeout deadline passes mid-restart; the new
	// boot must still hold the display.
	fixture.clk.Advance(DefaultBootTimeout - 7*time.Second)
	request := protocol.DisplayRequest{
		View:   protocol.ViewMain,
		Layout: protocol.Layout{LayoutType: protocol.LayoutTextWall, Text: "hello"},
	}
	err = fixture.manager.SubmitDisplayRequest(session.ID, "com.example.captions", request)
	var rejection *display.Rejection
	if !errors.As(err, &rejection) || rejection.Reason != display.RejectBootBlocked {
		t.Fatalf("expected boot-blocked rejection, got %v", err)
	}

	// The restart's own timeout still fires at its full deadline.
	fixture.clk.Advance(7 * time.Second)
	if err := fixture.manager.SubmitDisplayRequest(session.ID, "com.example.captions", request); err != nil {
		t.Fatalf("SubmitDisplayRequest after boot timeout: %v", err)
	}
}

func TestGraceWindowExpiryTearsDown(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")
	if err := fixture.manager.StartApp(session.ID, "com.example.captions"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "start webhook")

	fixture.manager.AppendTranscript(session.ID, protocol.TranscriptSegment{
		Text:      "hello world",
		Language:  "en",
		StartedAt: testEpoch,
		EndedAt:   testEpoch.Add(2 * time.Second),
	})
	fixture.manager.HandleDisconnect(session.ID)
	fixture.sync(t, session)

	fixture.clk.Advance(DefaultGraceWindow)

	if _, ok := fixture.manager.Lookup(session.ID); ok {
		t.Fatal("session survived grace window expiry")
	}
	record := testutil.RequireReceive(t, tpa.received, waitTimeout, "teardown stop webhook")
	if record.Type != protocol.WebhookStopRequest {
		t.Fatalf("webhook type = %q", record.Type)
	}

	// The transcript snapshot lands asynchronously.
	deadline := time.Now().Add(waitTimeout)
	for {
		snapshot, err := fixture.store.TranscriptSnapshot(context.Background(), session.ID)
		if err == nil {
			if len(snapshot.Segments) != 1 || snapshot.Segments[0].Text != "hello world" {
				t.Fatalf("snapshot segments = %+v", snapshot.Segments)
			}
			break
		}
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("loading snapshot: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for transcript snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectWithinGraceTransfersState(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")
	if err := fixture.manager.StartApp(session.ID, "com.example.captions"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "start webhook")

	fixture.manager.AppendTranscript(session.ID, protocol.TranscriptSegment{
		Text:      "carried over",
		Language:  "en",
		StartedAt: testEpoch,
		EndedAt:   testEpoch.Add(time.Second),
	})
	fixture.manager.HandleDisconnect(session.ID)
	fixture.sync(t, session)

	newDevice, _ := newDeviceChannel(t)
	resumedSession, resumed, err := fixture.manager.Connect(context.Background(), "alice", newDevice)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !resumed {
		t.Fatal("reconnect within grace window not reported as resumed")
	}
	if resumedSession.ID == session.ID {
		t.Fatal("resumed session kept the old session ID")
	}
	if _, ok := fixture.manager.Lookup(session.ID); ok {
		t.Fatal("old session ID still resolvable")
	}

	active := resumedSession.ActiveApps()
	if len(active) != 1 || active[0] != "com.example.captions" {
		t.Fatalf("transferred ActiveApps = %v", active)
	}
	transcript := fixture.manager.Transcript(resumedSession.ID)
	if len(transcript) != 1 || transcript[0].Text != "carried over" {
		t.Fatalf("transferred transcript = %+v", transcript)
	}

	// The cancelled grace timer must not tear down the new session.
	fixture.clk.Advance(DefaultGraceWindow * 2)
	if _, ok := fixture.manager.Lookup(resumedSession.ID); !ok {
		t.Fatal("resumed session torn down by stale grace timer")
	}
}

func TestReconnectRekeysHealthyTpaConnections(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)
	fixture.installApp(t, "alice", "com.example.stale", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")

	// Healthy TPA: attached transport. Stale TPA: never attached, so
	// its channel reports connecting rather than connected.
	healthyChannel := channel.New(channel.Config{OnMessage: func([]byte) {}})
	healthySink := newSinkTransport()
	if err := healthyChannel.Attach(healthySink); err != nil {
		t.Fatalf("attaching healthy transport: %v", err)
	}
	t.Cleanup(func() { healthyChannel.Close() })
	if _, err := fixture.manager.HandleTpaConnected(session.ID, "com.example.captions", healthyChannel); err != nil {
		t.Fatalf("HandleTpaConnected: %v", err)
	}

	staleChannel := channel.New(channel.Config{OnMessage: func([]byte) {}})
	t.Cleanup(func() { staleChannel.Close() })
	if _, err := fixture.manager.HandleTpaConnected(session.ID, "com.example.stale", staleChannel); err != nil {
		t.Fatalf("HandleTpaConnected: %v", err)
	}

	fixture.manager.SetSubscriptions(session.ID, "com.example.captions", []protocol.Kind{protocol.KindButtonPress})

	fixture.manager.HandleDisconnect(session.ID)
	fixture.sync(t, session)

	newDevice, _ := newDeviceChannel(t)
	resumedSession, resumed, err := fixture.manager.Connect(context.Background(), "alice", newDevice)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !resumed {
		t.Fatal("expected resumed session")
	}

	if _, ok := fixture.connections.LookupTpa(resumedSession.ID, "com.example.captions"); !ok {
		t.Fatal("healthy tpa connection not transferred")
	}
	if _, ok := fixture.connections.LookupTpa(resumedSession.ID, "com.example.stale"); ok {
		t.Fatal("stale tpa connection survived reconnect")
	}

	kinds := fixture.subscriptions.Subscriptions(resumedSession.ID, "com.example.captions")
	if len(kinds) != 1 || kinds[0] != protocol.KindButtonPress {
		t.Fatalf("rekeyed subscriptions = %v", kinds)
	}
	if remaining := fixture.subscriptions.Subscriptions(session.ID, "com.example.captions"); len(remaining) != 0 {
		t.Fatalf("old session subscriptions not cleared: %v", remaining)
	}

	// The surviving TPA is told the new session ID out of band.
	raw := testutil.RequireReceive(t, healthySink.written, waitTimeout, "session update")
	var update protocol.SessionUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		t.Fatalf("decoding session update: %v", err)
	}
	if update.Type != protocol.TypeSessionUpdate {
		t.Fatalf("update type = %q", update.Type)
	}
	if update.SessionID != session.ID || update.NewSessionID != resumedSession.ID {
		t.Fatalf("update IDs = %q -> %q, want %q -> %q",
			update.SessionID, update.NewSessionID, session.ID, resumedSession.ID)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")
	if err := fixture.manager.StartApp(session.ID, "com.example.captions"); err != nil {
		t.Fatalf("StartApp: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "start webhook")

	fixture.manager.Teardown(session.ID, "shutdown")
	fixture.manager.Teardown(session.ID, "shutdown")

	testutil.RequireReceive(t, tpa.received, waitTimeout, "stop webhook")
	select {
	case extra := <-tpa.received:
		t.Fatalf("second teardown fired another webhook: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTpaRegistrationRecoversOrphanedSessions(t *testing.T) {
	fixture := newManagerFixture(t)
	oldServer := newFakeTpaServer(t)
	newServer := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", oldServer.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, oldServer.received, waitTimeout, "connect webhook")

	// The TPA server restarts and re-registers at a new URL while the
	// session has no live connection for the package.
	recovered, err := fixture.manager.HandleTpaRegistration(context.Background(), storage.AppRecord{
		PackageName: "com.example.captions",
		Name:        "Captions",
		AppType:     protocol.AppStandard,
		ServerURL:   newServer.server.URL,
		APIKeyHash:  keyhash.Sum("rotated"),
	})
	if err != nil {
		t.Fatalf("HandleTpaRegistration: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	record := testutil.RequireReceive(t, newServer.received, waitTimeout, "recovery webhook")
	if record.SessionID != session.ID {
		t.Fatalf("recovery webhook session = %q, want %q", record.SessionID, session.ID)
	}
	if record.Type != protocol.WebhookSessionRequest {
		t.Fatalf("recovery webhook type = %q", record.Type)
	}
}

func TestTpaRegistrationSkipsHealthyConnections(t *testing.T) {
	fixture := newManagerFixture(t)
	tpa := newFakeTpaServer(t)
	fixture.installApp(t, "alice", "com.example.captions", tpa.server.URL)

	deviceChannel, _ := newDeviceChannel(t)
	session, _, err := fixture.manager.Connect(context.Background(), "alice", deviceChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, tpa.received, waitTimeout, "connect webhook")

	tpaChannel := channel.New(channel.Config{OnMessage: func([]byte) {}})
	sink := newSinkTransport()
	if err := tpaChannel.Attach(sink); err != nil {
		t.Fatalf("attaching transport: %v", err)
	}
	t.Cleanup(func() { tpaChannel.Close() })
	if _, err := fixture.manager.HandleTpaConnected(session.ID, "com.example.captions", tpaChannel); err != nil {
		t.Fatalf("HandleTpaConnected: %v", err)
	}

	recovered, err := fixture.manager.HandleTpaRegistration(context.Background(), storage.AppRecord{
		PackageName: "com.example.captions",
		Name:        "Captions",
		AppType:     protocol.AppStandard,
		ServerURL:   tpa.server.URL,
		APIKeyHash:  keyhash.Sum("rotated"),
	})
	if err != nil {
		t.Fatalf("HandleTpaRegistration: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d, want 0", recovered)
	}
	select {
	case record := <-tpa.received:
		t.Fatalf("unexpected webhook for healthy connection: %+v", record)
	case <-time.After(100 * time.Millisecond):
	}
}
