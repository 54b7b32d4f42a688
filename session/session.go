// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the user-session lifecycle: creation on device
// connect, reconnection with validated state transfer, TPA startup via
// webhooks, registration-driven session recovery, and grace-window
// teardown.
//
// Every mutation of one session runs on that session's executor
// goroutine, so a reconnection can never interleave with a concurrent
// subscription update or display request for the same session.
// Operations on different sessions proceed fully in parallel.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/augmentos-community/hub/display"
	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/storage"
)

// UserSession is one incarnation of a user's device connection. The
// ID is regenerated on every reconnection; the UserID is stable. A
// reconnect creates a fresh UserSession and transfers state into it,
// so a session struct never changes identity in place.
type UserSession struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	executor   *executor
	display    *display.Arbitrator
	transcript *transcriptBuffer

	// bootTimers tracks the pending boot-timeout timer per package,
	// keyed so a connect or restart can cancel exactly the timer it
	// supersedes.
	bootMu     sync.Mutex
	bootTimers map[string]*clock.Timer

	// Fields below are touched only on the executor.
	installedApps  []storage.AppRecord
	activeApps     map[string]struct{}
	disconnectedAt time.Time
	graceTimer     *clock.Timer
	torn           bool
}

// Display returns the session's display arbitrator.
func (s *UserSession) Display() *display.Arbitrator {
	return s.display
}

// ActiveApps returns the currently started package names. Runs on the
// executor; returns nil after teardown.
func (s *UserSession) ActiveApps() []string {
	var active []string
	s.executor.run(func() {
		for packageName := range s.activeApps {
			active = append(active, packageName)
		}
	})
	return active
}

// InstalledApps returns the session's installed-app records. Runs on
// the executor; returns nil after teardown.
func (s *UserSession) InstalledApps() []storage.AppRecord {
	var installed []storage.AppRecord
	s.executor.run(func() {
		installed = append(installed, s.installedApps...)
	})
	return installed
}

// appRecordLocked returns the installed-app record for a package.
// Executor only.
func (s *UserSession) appRecordLocked(packageName string) (*storage.AppRecord, bool) {
	for i := range s.installedApps {
		if s.installedApps[i].PackageName == packageName {
			return &s.installedApps[i], true
		}
	}
	return nil, false
}

// activeAppsLocked returns the sorted active set for app_state_change
// payloads. Executor only.
func (s *UserSession) activeAppsLocked() []string {
	active := make([]string, 0, len(s.activeApps))
	for packageName := range s.activeApps {
		active = append(active, packageName)
	}
	sort.Strings(active)
	return active
}
