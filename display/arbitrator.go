// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package display resolves concurrent display requests from TPAs into
// the single output rendered on the device. Each session has one
// Arbitrator; its state is one of Boot, BackgroundLock, CoreApp, or
// Empty, and every accepted transition is forwarded to the device as
// one render instruction.
//
// Priority rules:
//
//   - System-dashboard requests bypass arbitration and render on the
//     dashboard surface immediately.
//   - While any app is booting, non-dashboard requests are rejected,
//     keeping the boot screen stable.
//   - A background app may take the display through a time-bounded
//     lock. A standard app's request arriving under a lock is retained
//     and rendered the instant the lock releases.
//   - First acquirer wins a background lock race; the second holder
//     is rejected until the lock expires.
package display

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/protocol"
)

// Lock timing. The hard duration restarts on each renewal request
// from the holder; the inactivity release arms once the holder has
// been streaming renewals and goes quiet. A holder that issues a
// single request keeps the lock for the full duration.
const (
	DefaultLockDuration      = 10 * time.Second
	DefaultInactivityTimeout = 2 * time.Second
)

// RejectionReason classifies why a display request was not rendered.
type RejectionReason string

const (
	// RejectBootBlocked: an app is booting; the boot screen wins.
	RejectBootBlocked RejectionReason = "boot-blocked"
	// RejectLockHeld: a background lock owned by another app is
	// active.
	RejectLockHeld RejectionReason = "lock-held"
	// RejectSuperseded: a newer request replaced this one before it
	// could render.
	RejectSuperseded RejectionReason = "superseded"
)

// Rejection is the error returned for requests that were not rendered.
// Retained marks a standard-app request that was stored as pending
// and will render automatically when the blocking lock releases.
type Rejection struct {
	Reason   RejectionReason
	Retained bool
}

func (r *Rejection) Error() string {
	if r.Retained {
		return fmt.Sprintf("display request rejected (%s), retained as pending", r.Reason)
	}
	return fmt.Sprintf("display request rejected (%s)", r.Reason)
}

// StateKind names the active variant of the arbitrator state machine.
type StateKind int

const (
	KindEmpty StateKind = iota
	KindBoot
	KindBackgroundLock
	KindCoreApp
)

// String returns the kind name for logs.
func (k StateKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindBoot:
		return "boot"
	case KindBackgroundLock:
		return "background-lock"
	case KindCoreApp:
		return "core-app"
	default:
		return "unknown"
	}
}

// State is a snapshot of the arbitrator.
type State struct {
	Kind        StateKind
	PackageName string // lock holder or core app; empty otherwise
	Layout      protocol.Layout
	AcquiredAt  time.Time // background lock only
	ExpiresAt   time.Time // background lock only
}

// Request is one display request after the server has resolved the
// requesting app's type.
type Request struct {
	PackageName string
	AppType     protocol.AppType
	View        protocol.ViewType
	Layout      protocol.Layout

	// Duration bounds how long a rendered standard-app layout stays
	// on the display. Zero means until replaced.
	Duration time.Duration
}

// Config holds Arbitrator construction parameters. Render is required:
// it forwards one accepted render instruction toward the device
// channel and must not block (the channel's Send already never does).
type Config struct {
	SessionID string
	Render    func(protocol.DisplayEvent)

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger

	// LockDuration and InactivityTimeout default to the package
	// constants.
	LockDuration      time.Duration
	InactivityTimeout time.Duration

	// OnSuperseded observes a retained pending request being replaced
	// by a newer one, since the original caller has long returned.
	// Optional.
	OnSuperseded func(packageName string)
}

// Arbitrator is the per-session display state machine. Safe for
// concurrent use; the session executor serializes normal traffic, but
// lock expiry timers fire on their own goroutines.
type Arbitrator struct {
	sessionID         string
	render            func(protocol.DisplayEvent)
	clk               clock.Clock
	logger            *slog.Logger
	lockDuration      time.Duration
	inactivityTimeout time.Duration
	onSuperseded      func(string)

	mu           sync.Mutex
	booting      map[string]bool
	current      State
	pendingCore  *Request // retained standard-app request
	lockRenewals int      // requests by the current holder, incl. the grant
	hardTimer    *clock.Timer
	idleTimer    *clock.Timer
	lockEpoch    int // invalidates timers of released locks
	clearTimer   *clock.Timer
	coreEpoch    int // invalidates clear timers of replaced core renders
}

// New returns an arbitrator in the Empty state.
func New(config Config) *Arbitrator {
	if config.Render == nil {
		panic("display: Config.Render is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockDuration := config.LockDuration
	if lockDuration == 0 {
		lockDuration = DefaultLockDuration
	}
	inactivity := config.InactivityTimeout
	if inactivity == 0 {
		inactivity = DefaultInactivityTimeout
	}
	return &Arbitrator{
		sessionID:         config.SessionID,
		render:            config.Render,
		clk:               clk,
		logger:            logger,
		lockDuration:      lockDuration,
		inactivityTimeout: inactivity,
		onSuperseded:      config.OnSuperseded,
		booting:           make(map[string]bool),
		current:           State{Kind: KindEmpty},
	}
}

// State returns a snapshot of the current display state.
func (a *Arbitrator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// PendingCoreApp returns the package name of the retained standard
// request, or "".
func (a *Arbitrator) PendingCoreApp() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingCore == nil {
		return ""
	}
	return a.pendingCore.PackageName
}

// SetBooting marks an app as booting or finished booting. While any
// app is booting the display shows the boot screen; when the last
// boot completes, the retained core request (or an empty display)
// takes over.
func (a *Arbitrator) SetBooting(packageName string, booting bool) {
	a.mu.Lock()
	wasBooting := len(a.booting) > 0
	if booting {
		a.booting[packageName] = true
	} else {
		delete(a.booting, packageName)
	}
	nowBooting := len(a.booting) > 0

	var event *protocol.DisplayEvent
	switch {
	case nowBooting && !wasBooting:
		a.releaseLockLocked()
		a.current = State{Kind: KindBoot}
		event = a.bootEventLocked()
	case !nowBooting && wasBooting:
		event = a.settleLocked()
	}
	a.mu.Unlock()

	if event != nil {
		a.render(*event)
	}
}

// Submit runs one display request through arbitration. A nil return
// means the request was rendered. Rejected requests return a
// *Rejection; a retained standard request reports Retained=true.
func (a *Arbitrator) Submit(request Request) error {
	if request.AppType == protocol.AppSystemDashboard {
		// Dashboard bypass: render on the dashboard surface without
		// touching arbitration state.
		a.render(protocol.DisplayEvent{
			Type:        protocol.TypeDisplayEvent,
			SessionID:   a.sessionID,
			PackageName: request.PackageName,
			View:        protocol.ViewDashboard,
			Layout:      request.Layout,
			Timestamp:   a.clk.Now(),
		})
		return nil
	}

	a.mu.Lock()

	if len(a.booting) > 0 {
		a.mu.Unlock()
		return &Rejection{Reason: RejectBootBlocked}
	}

	switch {
	case request.AppType == protocol.AppBackground:
		return a.submitBackgroundLocked(request)
	default:
		return a.submitStandardLocked(request)
	}
}

// submitBackgroundLocked handles a background-type request. Called
// with the lock held; unlocks before rendering.
func (a *Arbitrator) submitBackgroundLocked(request Request) error {
	if a.current.Kind == KindBackgroundLock && a.current.PackageName != request.PackageName {
		// First acquirer wins; the challenger waits for expiry.
		a.mu.Unlock()
		return &Rejection{Reason: RejectLockHeld}
	}

	now := a.clk.Now()
	if a.current.Kind == KindBackgroundLock {
		// Renewal: a fresh epoch and hard timer, so an expiry that
		// already fired for the previous window cannot release the
		// renewed lock.
		a.lockRenewals++
		a.lockEpoch++
		epoch := a.lockEpoch
		a.current.ExpiresAt = now.Add(a.lockDuration)
		a.current.Layout = request.Layout
		a.hardTimer.Stop()
		a.hardTimer = a.clk.AfterFunc(a.lockDuration, func() {
			a.lockExpired(epoch, "duration elapsed")
		})
		a.armIdleTimerLocked()
	} else {
		// Fresh grant.
		a.lockEpoch++
		epoch := a.lockEpoch
		a.lockRenewals = 1
		a.current = State{
			Kind:        KindBackgroundLock,
			PackageName: request.PackageName,
			Layout:      request.Layout,
			AcquiredAt:  now,
			ExpiresAt:   now.Add(a.lockDuration),
		}
		a.hardTimer = a.clk.AfterFunc(a.lockDuration, func() {
			a.lockExpired(epoch, "duration elapsed")
		})
	}

	event := a.renderEventLocked(request)
	a.mu.Unlock()
	a.render(event)
	return nil
}

// submitStandardLocked handles a standard-type request. Called with
// the lock held; unlocks before rendering.
func (a *Arbitrator) submitStandardLocked(request Request) error {
	if a.current.Kind == KindBackgroundLock {
		// Retain for automatic rendering at lock release. A previous
		// pending request from another app is superseded.
		if a.pendingCore != nil && a.pendingCore.PackageName != request.PackageName {
			superseded := a.pendingCore.PackageName
			a.pendingCore = &request
			a.mu.Unlock()
			a.notifySuperseded(superseded)
			return &Rejection{Reason: RejectLockHeld, Retained: true}
		}
		a.pendingCore = &request
		a.mu.Unlock()
		return &Rejection{Reason: RejectLockHeld, Retained: true}
	}

	a.current = State{
		Kind:        KindCoreApp,
		PackageName: request.PackageName,
		Layout:      request.Layout,
	}
	// The newest request from a standard app is also the one restored
	// when a future lock releases.
	a.pendingCore = &request
	a.armClearTimerLocked(request)
	event := a.renderEventLocked(request)
	a.mu.Unlock()
	a.render(event)
	return nil
}

// armClearTimerLocked schedules the duration-bounded wipe of a core
// render. Each render gets a fresh epoch, so a timer for a layout that
// has since been replaced is a no-op.
func (a *Arbitrator) armClearTimerLocked(request Request) {
	a.coreEpoch++
	if a.clearTimer != nil {
		a.clearTimer.Stop()
		a.clearTimer = nil
	}
	if request.Duration <= 0 {
		return
	}
	epoch := a.coreEpoch
	a.clearTimer = a.clk.AfterFunc(request.Duration, func() {
		a.coreRenderExpired(epoch, request.PackageName)
	})
}

// coreRenderExpired wipes a core render whose requested duration has
// elapsed, returning the display to Empty.
func (a *Arbitrator) coreRenderExpired(epoch int, packageName string) {
	a.mu.Lock()
	if epoch != a.coreEpoch || a.current.Kind != KindCoreApp || a.current.PackageName != packageName {
		a.mu.Unlock()
		return
	}
	if a.pendingCore != nil && a.pendingCore.PackageName == packageName {
		a.pendingCore = nil
	}
	a.current = State{Kind: KindEmpty}
	event := protocol.DisplayEvent{
		Type:      protocol.TypeDisplayEvent,
		SessionID: a.sessionID,
		View:      protocol.ViewMain,
		Layout:    protocol.Layout{LayoutType: protocol.LayoutTextWall, Text: ""},
		Timestamp: a.clk.Now(),
	}
	a.mu.Unlock()

	a.render(event)
}

// ReleaseApp drops any state owned by the package: an expired TPA
// connection must not leave a dangling lock or pending request.
func (a *Arbitrator) ReleaseApp(packageName string) {
	a.mu.Lock()
	delete(a.booting, packageName)
	if a.pendingCore != nil && a.pendingCore.PackageName == packageName {
		a.pendingCore = nil
	}
	var event *protocol.DisplayEvent
	if a.current.PackageName == packageName && a.current.Kind != KindEmpty {
		a.releaseLockLocked()
		event = a.settleLocked()
	}
	a.mu.Unlock()

	if event != nil {
		a.render(*event)
	}
}

// lockExpired is the timer path for both the hard duration and the
// inactivity release. The epoch guard makes a late timer for an
// already-released lock a no-op, so expiry racing a concurrent
// release never double-fires.
func (a *Arbitrator) lockExpired(epoch int, cause string) {
	a.mu.Lock()
	if a.current.Kind != KindBackgroundLock || epoch != a.lockEpoch {
		a.mu.Unlock()
		return
	}
	holder := a.current.PackageName
	a.releaseLockLocked()
	event := a.settleLocked()
	a.mu.Unlock()

	a.logger.Debug("background lock released",
		"session", a.sessionID,
		"package", holder,
		"cause", cause,
	)
	if event != nil {
		a.render(*event)
	}
}

// armIdleTimerLocked starts or restarts the inactivity release. Only
// armed from the second request onward: a single-shot display keeps
// the lock for the full hard duration, while a streaming holder that
// goes quiet releases early.
func (a *Arbitrator) armIdleTimerLocked() {
	if a.lockRenewals < 2 {
		return
	}
	epoch := a.lockEpoch
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimer = a.clk.AfterFunc(a.inactivityTimeout, func() {
		a.lockExpired(epoch, "holder inactive")
	})
}

// releaseLockLocked clears lock bookkeeping without rendering.
func (a *Arbitrator) releaseLockLocked() {
	if a.hardTimer != nil {
		a.hardTimer.Stop()
		a.hardTimer = nil
	}
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	a.lockEpoch++
	a.lockRenewals = 0
}

// settleLocked computes the post-release state: the retained core
// request if one exists, otherwise Empty. Returns the render event to
// forward, or nil when nothing changes visually.
func (a *Arbitrator) settleLocked() *protocol.DisplayEvent {
	if a.pendingCore != nil {
		request := *a.pendingCore
		a.current = State{
			Kind:        KindCoreApp,
			PackageName: request.PackageName,
			Layout:      request.Layout,
		}
		a.armClearTimerLocked(request)
		event := a.renderEventLocked(request)
		return &event
	}
	a.current = State{Kind: KindEmpty}
	event := protocol.DisplayEvent{
		Type:      protocol.TypeDisplayEvent,
		SessionID: a.sessionID,
		View:      protocol.ViewMain,
		Layout:    protocol.Layout{LayoutType: protocol.LayoutTextWall, Text: ""},
		Timestamp: a.clk.Now(),
	}
	return &event
}

// bootEventLocked is the render instruction for the boot screen.
func (a *Arbitrator) bootEventLocked() *protocol.DisplayEvent {
	event := protocol.DisplayEvent{
		Type:      protocol.TypeDisplayEvent,
		SessionID: a.sessionID,
		View:      protocol.ViewMain,
		Layout: protocol.Layout{
			LayoutType: protocol.LayoutReferenceCard,
			Title:      "Starting",
			Text:       "Loading app...",
		},
		Timestamp: a.clk.Now(),
	}
	return &event
}

// renderEventLocked builds the device render instruction for an
// accepted request.
func (a *Arbitrator) renderEventLocked(request Request) protocol.DisplayEvent {
	view := request.View
	if view == "" {
		view = protocol.ViewMain
	}
	return protocol.DisplayEvent{
		Type:        protocol.TypeDisplayEvent,
		SessionID:   a.sessionID,
		PackageName: request.PackageName,
		View:        view,
		Layout:      request.Layout,
		Timestamp:   a.clk.Now(),
	}
}

// notifySuperseded reports a replaced pending request.
func (a *Arbitrator) notifySuperseded(packageName string) {
	if a.onSuperseded != nil {
		a.onSuperseded(packageName)
		return
	}
	a.logger.Debug("pending display request superseded",
		"session", a.sessionID,
		"package", packageName,
	)
}
